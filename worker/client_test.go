package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport записывает запросы; события подаются тестом
type fakeTransport struct {
	mu      sync.Mutex
	sent    []Request
	sendErr error
	events  chan Event
	once    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 64)}
}

func (f *fakeTransport) Send(ctx context.Context, req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.events) })
	return nil
}

func (f *fakeTransport) requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.sent...)
}

func e2eConfig() Config {
	return Config{ModelID: "tiny", Language: "english", Task: "transcribe", Multilingual: false, Quantized: false}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestClientProgressThenComplete(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(tr)
	defer c.Close()

	jobID, err := c.StartJob(context.Background(), make([]float32, 5*16000), e2eConfig())
	require.NoError(t, err)
	assert.True(t, c.State().IsBusy)

	reqs := tr.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, ActionTranscribe, reqs[0].Action)
	assert.Equal(t, e2eConfig(), *reqs[0].Config)

	tr.events <- Event{Status: StatusProgress, JobID: jobID, Data: EventData{
		Chunks: []Chunk{{Text: "Hello", Timestamp: [2]float64{0, 1}}},
	}}
	final := []Chunk{
		{Text: "Hello world", Timestamp: [2]float64{0, 1}},
		{Text: " today.", Timestamp: [2]float64{1, 2}},
	}
	tr.events <- Event{Status: StatusComplete, JobID: jobID, Data: EventData{Chunks: final}}

	eventually(t, func() bool { return !c.State().IsBusy })
	st := c.State()
	require.NotNil(t, st.Output)
	assert.False(t, st.Output.IsBusy)
	assert.Equal(t, final, st.Output.Chunks)
	assert.Equal(t, "Hello world today.", st.Output.Text)
}

func TestClientProgressKeepsBusy(t *testing.T) {
	c := &Client{jobID: "job", busy: true}
	changed := c.apply(Event{Status: StatusProgress, JobID: "job", Data: EventData{
		Chunks: []Chunk{{Text: "Hello", Timestamp: [2]float64{0, 1}}},
	}})
	require.True(t, changed)

	st := c.State()
	assert.True(t, st.IsBusy)
	require.NotNil(t, st.Output)
	assert.True(t, st.Output.IsBusy)
	assert.Equal(t, "Hello", st.Output.Text)
}

func TestStartJobWhileBusy(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(tr)
	defer c.Close()

	jobID, err := c.StartJob(context.Background(), []float32{0.1}, e2eConfig())
	require.NoError(t, err)
	c.apply(Event{Status: StatusProgress, JobID: jobID, Data: EventData{Chunks: []Chunk{{Text: "partial"}}}})
	before := c.State()

	_, err = c.StartJob(context.Background(), []float32{0.2}, e2eConfig())
	var busy *BusyError
	require.ErrorAs(t, err, &busy)

	assert.Equal(t, before, c.State())
	assert.Len(t, tr.requests(), 1)
}

func TestStartJobConfigError(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(tr)
	defer c.Close()

	c.mu.Lock()
	c.output = &Output{Chunks: []Chunk{{Text: "previous"}}, Text: "previous"}
	c.mu.Unlock()

	cases := []Config{
		{ModelID: "distil-whisper/distil-large-v2", Multilingual: false, Quantized: true},
		{ModelID: "distil-whisper/distil-medium.en", Multilingual: true, Quantized: true},
		{ModelID: "Xenova/whisper-small", Multilingual: false, Quantized: false},
		{ModelID: "huge", Quantized: true},
		{ModelID: "tiny", Task: "summarize"},
	}
	for _, cfg := range cases {
		_, err := c.StartJob(context.Background(), []float32{0.1}, cfg)
		var cfgErr *ConfigError
		assert.ErrorAs(t, err, &cfgErr, cfg.ModelID)
	}

	st := c.State()
	assert.False(t, st.IsBusy)
	require.NotNil(t, st.Output)
	assert.Equal(t, "previous", st.Output.Text)
	assert.Empty(t, tr.requests())
}

func TestWorkerErrorRetainsOutput(t *testing.T) {
	c := &Client{jobID: "job", busy: true}
	c.apply(Event{Status: StatusProgress, JobID: "job", Data: EventData{Chunks: []Chunk{{Text: "Hello", Timestamp: [2]float64{0, 1}}}}})
	c.apply(Event{Status: StatusError, JobID: "job", Data: EventData{Message: "out of memory"}})

	st := c.State()
	assert.False(t, st.IsBusy)
	require.NotNil(t, st.Output)
	assert.False(t, st.Output.IsBusy)
	assert.Equal(t, "Hello", st.Output.Text)
	assert.Contains(t, st.Error, "out of memory")

	var werr *WorkerError
	require.ErrorAs(t, c.LastError(), &werr)
	assert.Equal(t, "job", werr.JobID)
}

func TestStaleEventsDropped(t *testing.T) {
	c := &Client{jobID: "job", busy: true}

	assert.False(t, c.apply(Event{Status: StatusComplete, JobID: "other", Data: EventData{Chunks: []Chunk{{Text: "stale"}}}}))
	assert.False(t, c.apply(Event{Status: StatusProgress, Data: EventData{Chunks: []Chunk{{Text: "anonymous"}}}}))
	assert.True(t, c.State().IsBusy)

	require.True(t, c.apply(Event{Status: StatusComplete, JobID: "job", Data: EventData{Chunks: []Chunk{{Text: "final"}}}}))

	// после терминального события задание больше не принимает события
	assert.False(t, c.apply(Event{Status: StatusProgress, JobID: "job", Data: EventData{Chunks: []Chunk{{Text: "late"}}}}))
	assert.False(t, c.apply(Event{Status: StatusError, JobID: "job", Data: EventData{Message: "late"}}))

	st := c.State()
	assert.Equal(t, "final", st.Output.Text)
	assert.Empty(t, st.Error)
}

func TestModelLoadingProgress(t *testing.T) {
	c := &Client{jobID: "job", busy: true}

	c.apply(Event{Status: StatusInitiate, JobID: "job", Data: EventData{File: "encoder.onnx", Name: "tiny.en"}})
	c.apply(Event{Status: StatusInitiate, JobID: "job", Data: EventData{File: "decoder.onnx", Name: "tiny.en"}})
	c.apply(Event{Status: StatusDownload, JobID: "job", Data: EventData{File: "encoder.onnx", Progress: 42}})
	c.apply(Event{Status: StatusDone, JobID: "job", Data: EventData{File: "decoder.onnx"}})

	st := c.State()
	assert.True(t, st.IsModelLoading)
	assert.Equal(t, []ProgressItem{
		{File: "encoder.onnx", Name: "tiny.en", Progress: 42},
		{File: "decoder.onnx", Name: "tiny.en", Progress: 100},
	}, st.ProgressItems)

	c.apply(Event{Status: StatusReady, JobID: "job"})
	st = c.State()
	assert.False(t, st.IsModelLoading)
	assert.Empty(t, st.ProgressItems)
	assert.True(t, st.IsBusy)
}

func TestWarmup(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(tr)
	defer c.Close()

	cfg := DefaultConfig()
	require.NoError(t, c.Warmup(context.Background(), cfg))

	reqs := tr.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, ActionInitiate, reqs[0].Action)
	assert.Equal(t, cfg.ModelID, reqs[0].Model)
	assert.Equal(t, cfg.Quantized, reqs[0].Quantized)

	tr.events <- Event{Status: StatusInitiate, JobID: reqs[0].JobID, Data: EventData{File: "a"}}
	eventually(t, func() bool { return c.State().IsModelLoading })

	err := c.Warmup(context.Background(), cfg)
	var busy *BusyError
	assert.ErrorAs(t, err, &busy)

	tr.events <- Event{Status: StatusReady, JobID: reqs[0].JobID}
	eventually(t, func() bool { return !c.State().IsModelLoading })
	assert.False(t, c.State().IsBusy)
}

func TestEditChunk(t *testing.T) {
	c := &Client{jobID: "job", busy: true}
	c.apply(Event{Status: StatusComplete, JobID: "job", Data: EventData{Chunks: []Chunk{
		{Text: "Hello world", Timestamp: [2]float64{0, 1}},
		{Text: " today.", Timestamp: [2]float64{1, 2}},
	}}})

	require.NoError(t, c.EditChunk(0, "Goodbye world"))
	st := c.State()
	assert.Equal(t, "Goodbye world", st.Output.Chunks[0].Text)
	assert.Equal(t, [2]float64{0, 1}, st.Output.Chunks[0].Timestamp)
	assert.Equal(t, [2]float64{1, 2}, st.Output.Chunks[1].Timestamp)
	assert.Equal(t, "Goodbye world today.", st.Output.Text)

	assert.Error(t, c.EditChunk(5, "x"))

	// новое задание перезаписывает правку
	c.jobID, c.busy = "job2", true
	c.apply(Event{Status: StatusComplete, JobID: "job2", Data: EventData{Chunks: []Chunk{
		{Text: "Hello world", Timestamp: [2]float64{0, 1}},
	}}})
	assert.Equal(t, "Hello world", c.State().Output.Chunks[0].Text)
}

func TestStateIsACopy(t *testing.T) {
	c := &Client{jobID: "job", busy: true}
	c.apply(Event{Status: StatusComplete, JobID: "job", Data: EventData{Chunks: []Chunk{{Text: "a"}}}})

	st := c.State()
	st.Output.Chunks[0].Text = "mutated"
	assert.Equal(t, "a", c.State().Output.Chunks[0].Text)
}

func TestSendFailureFailsJob(t *testing.T) {
	tr := newFakeTransport()
	tr.sendErr = errors.New("broken pipe")
	c := NewClient(tr)
	defer c.Close()

	_, err := c.StartJob(context.Background(), []float32{0.1}, e2eConfig())
	require.Error(t, err)
	st := c.State()
	assert.False(t, st.IsBusy)
	assert.Contains(t, st.Error, "broken pipe")

	_, err = c.StartJob(context.Background(), []float32{0.1}, e2eConfig())
	assert.Error(t, err)
	var busy *BusyError
	assert.False(t, errors.As(err, &busy))
}

func TestTransportCloseFailsPendingJob(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(tr)

	_, err := c.StartJob(context.Background(), []float32{0.1}, e2eConfig())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	st := c.State()
	assert.False(t, st.IsBusy)
	assert.Contains(t, st.Error, ErrTransportClosed.Error())
}

func TestInputChangeRetiresRunningJob(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(tr)
	defer c.Close()

	oldJob, err := c.StartJob(context.Background(), []float32{0.1}, e2eConfig())
	require.NoError(t, err)

	c.ClearOutput()
	st := c.State()
	assert.Nil(t, st.Output)
	assert.True(t, st.IsBusy, "worker still runs the retired job")

	_, err = c.StartJob(context.Background(), []float32{0.2}, e2eConfig())
	var busy *BusyError
	require.ErrorAs(t, err, &busy)

	tr.events <- Event{Status: StatusProgress, JobID: oldJob, Data: EventData{Chunks: []Chunk{{Text: "old partial"}}}}
	tr.events <- Event{Status: StatusComplete, JobID: oldJob, Data: EventData{Chunks: []Chunk{{Text: "old final"}}}}

	eventually(t, func() bool { return !c.State().IsBusy })
	st = c.State()
	assert.Nil(t, st.Output)
	assert.Empty(t, st.Error)

	// следующий вход распознаётся как обычно
	newJob, err := c.StartJob(context.Background(), []float32{0.3}, e2eConfig())
	require.NoError(t, err)
	tr.events <- Event{Status: StatusComplete, JobID: newJob, Data: EventData{Chunks: []Chunk{{Text: "new"}}}}
	eventually(t, func() bool { return !c.State().IsBusy })
	require.NotNil(t, c.State().Output)
	assert.Equal(t, "new", c.State().Output.Text)
}

func TestRetiredJobErrorIsNotReported(t *testing.T) {
	c := &Client{retiredJobID: "old", busy: true}

	assert.False(t, c.apply(Event{Status: StatusProgress, JobID: "old", Data: EventData{Chunks: []Chunk{{Text: "x"}}}}))
	require.True(t, c.apply(Event{Status: StatusError, JobID: "old", Data: EventData{Message: "boom"}}))

	st := c.State()
	assert.False(t, st.IsBusy)
	assert.Nil(t, st.Output)
	assert.Empty(t, st.Error)
	assert.Nil(t, c.LastError())
}

func TestNotificationsFollowStateOrder(t *testing.T) {
	c := &Client{}
	var (
		mu   sync.Mutex
		seen []int
	)
	c.OnChange(func(st State) {
		n, err := strconv.Atoi(st.Output.Text)
		assert.NoError(t, err)
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	})

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.mu.Lock()
			counter++
			c.output = &Output{Text: strconv.Itoa(counter)}
			c.mu.Unlock()
			c.notify()
		}()
	}
	wg.Wait()

	require.Len(t, seen, 50)
	assert.IsNonDecreasing(t, seen)
	assert.Equal(t, 50, seen[len(seen)-1])
}
