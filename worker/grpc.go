package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// jsonCodec позволяет использовать gRPC с JSON-пейлоадом вместо protobuf,
// чтобы передавать Request/Event без генерации кодеков.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// DefaultAddr адрес воркера по умолчанию для платформы
func DefaultAddr() string {
	if runtime.GOOS == "windows" {
		return "npipe:\\\\.\\pipe\\whisperingest-worker"
	}
	return "unix:///tmp/whisperingest-worker.sock"
}

// WorkerServer описывает bidirectional stream: Request внутрь, Event наружу.
type WorkerServer interface {
	Stream(Worker_StreamServer) error
}

type UnimplementedWorkerServer struct{}

func (UnimplementedWorkerServer) Stream(Worker_StreamServer) error {
	return status.Errorf(codes.Unimplemented, "method Stream not implemented")
}

type Worker_StreamServer interface {
	Send(*Event) error
	Recv() (*Request, error)
	grpc.ServerStream
}

type workerStreamServer struct {
	grpc.ServerStream
}

func (x *workerStreamServer) Send(m *Event) error {
	return x.ServerStream.SendMsg(m)
}

func (x *workerStreamServer) Recv() (*Request, error) {
	m := new(Request)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _Worker_Stream_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(WorkerServer).Stream(&workerStreamServer{stream})
}

var _Worker_serviceDesc = grpc.ServiceDesc{
	ServiceName: "whisperingest.Worker",
	HandlerType: (*WorkerServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _Worker_Stream_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "worker/worker.proto",
}

const streamMethod = "/whisperingest.Worker/Stream"

func RegisterWorkerServer(s *grpc.Server, srv WorkerServer) {
	s.RegisterService(&_Worker_serviceDesc, srv)
}

// Server обслуживает оркестраторов поверх одного Runner
type Server struct {
	UnimplementedWorkerServer
	runner *Runner
}

// NewServer создаёт gRPC сервис воркера
func NewServer(runner *Runner) *Server {
	return &Server{runner: runner}
}

// Stream исполняет запросы соединения по очереди. Разрыв соединения
// отменяет текущее задание.
func (s *Server) Stream(stream Worker_StreamServer) error {
	ctx := stream.Context()
	var sendMu sync.Mutex
	emit := func(ev Event) {
		sendMu.Lock()
		defer sendMu.Unlock()
		if err := stream.Send(&ev); err != nil {
			log.Printf("Failed to send worker event: %v", err)
		}
	}

	for {
		req, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}
		s.runner.Handle(ctx, *req, emit)
	}
}

// NewGRPCServer создаёт gRPC сервер с JSON кодеком и зарегистрированным воркером
func NewGRPCServer(runner *Runner) *grpc.Server {
	server := grpc.NewServer(
		grpc.Creds(insecure.NewCredentials()),
		grpc.ForceServerCodec(jsonCodec{}),
	)
	RegisterWorkerServer(server, NewServer(runner))
	return server
}

// Serve слушает addr (unix:, npipe: или host:port) до остановки сервера
func Serve(server *grpc.Server, addr string) error {
	if addr == "" {
		addr = DefaultAddr()
	}
	lis, err := Listen(addr)
	if err != nil {
		return err
	}
	log.Printf("Worker gRPC listening on %s", addr)
	return server.Serve(lis)
}

// Listen открывает listener для адреса воркера
func Listen(addr string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, "unix:"):
		socketPath := socketPath(addr)
		if err := removeIfExists(socketPath); err != nil {
			return nil, err
		}
		return net.Listen("unix", socketPath)
	case strings.HasPrefix(addr, "npipe:"):
		pipePath := strings.TrimPrefix(addr, "npipe:")
		return listenPipe(pipePath)
	default:
		// Fallback для TCP (не основной кейс)
		return net.Listen("tcp", addr)
	}
}

func socketPath(addr string) string {
	return strings.TrimPrefix(strings.TrimPrefix(addr, "unix://"), "unix:")
}

func removeIfExists(path string) error {
	if path == "" {
		return errors.New("empty socket path")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// GRPCTransport клиентская сторона потока воркера
type GRPCTransport struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	events chan Event

	sendMu sync.Mutex
	once   sync.Once
}

var _ Transport = (*GRPCTransport)(nil)

// Dial подключается к воркеру по адресу из DefaultAddr формата.
// Дополнительные opts нужны тестам (bufconn).
func Dial(addr string, opts ...grpc.DialOption) (*GRPCTransport, error) {
	if addr == "" {
		addr = DefaultAddr()
	}
	target := addr
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	}
	if strings.HasPrefix(addr, "npipe:") {
		pipePath := strings.TrimPrefix(addr, "npipe:")
		target = "passthrough:///" + pipePath
		dialOpts = append(dialOpts, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return dialPipe(ctx, pipePath)
		}))
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(ctx, &_Worker_serviceDesc.Streams[0], streamMethod)
	if err != nil {
		cancel()
		conn.Close()
		return nil, err
	}

	t := &GRPCTransport{
		conn:   conn,
		stream: stream,
		cancel: cancel,
		events: make(chan Event, 256),
	}
	go t.readLoop()
	return t, nil
}

func (t *GRPCTransport) readLoop() {
	defer close(t.events)
	for {
		ev := new(Event)
		if err := t.stream.RecvMsg(ev); err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				log.Printf("Worker stream closed: %v", err)
			}
			return
		}
		t.events <- *ev
	}
}

func (t *GRPCTransport) Send(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.stream.SendMsg(&req)
}

func (t *GRPCTransport) Events() <-chan Event { return t.events }

func (t *GRPCTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.sendMu.Lock()
		_ = t.stream.CloseSend()
		t.sendMu.Unlock()
		t.cancel()
		err = t.conn.Close()
	})
	return err
}
