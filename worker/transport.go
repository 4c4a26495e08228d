package worker

import (
	"context"
	"errors"
	"sync"
)

// Transport канал до воркера. Events закрывается, когда транспорт закрыт
// или соединение потеряно.
type Transport interface {
	Send(ctx context.Context, req Request) error
	Events() <-chan Event
	Close() error
}

// ErrTransportClosed транспорт уже закрыт
var ErrTransportClosed = errors.New("worker transport closed")

// Local воркер в том же процессе: запросы исполняются по очереди
// в отдельной горутине.
type Local struct {
	runner *Runner

	requests chan Request
	events   chan Event
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

var _ Transport = (*Local)(nil)

// NewLocal запускает горутину воркера
func NewLocal(runner *Runner) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Local{
		runner:   runner,
		requests: make(chan Request, 16),
		events:   make(chan Event, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
	l.wg.Add(1)
	go l.loop()
	return l
}

func (l *Local) loop() {
	defer l.wg.Done()
	defer close(l.events)

	for {
		select {
		case <-l.ctx.Done():
			return
		case req := <-l.requests:
			l.runner.Handle(l.ctx, req, l.emit)
		}
	}
}

func (l *Local) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.ctx.Done():
	}
}

func (l *Local) Send(ctx context.Context, req Request) error {
	if l.ctx.Err() != nil {
		return ErrTransportClosed
	}
	select {
	case l.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrTransportClosed
	}
}

func (l *Local) Events() <-chan Event { return l.events }

// Close прерывает текущее задание и останавливает горутину
func (l *Local) Close() error {
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
	})
	return nil
}
