package transport

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/cubefs/mdcache/cluster"
	"github.com/cubefs/mdcache/metrics"
	"github.com/cubefs/mdcache/proto"
)

const (
	sendBufferSize = 1024

	defaultConnectionTimeoutMs = 100
	defaultBackoffMaxDelayMs   = 5000
	defaultBackoffBaseDelayMs  = 200
	defaultKeepAliveTimeoutS   = 60
)

type GrpcConfig struct {
	ListenPort         uint32 `json:"listen_port"`
	ConnectTimeoutMs   uint32 `json:"connect_timeout_ms"`
	KeepaliveTimeoutS  uint32 `json:"keepalive_timeout_s"`
	BackoffBaseDelayMs uint32 `json:"backoff_base_delay_ms"`
	BackoffMaxDelayMs  uint32 `json:"backoff_max_delay_ms"`

	Resolver *cluster.Resolver `json:"-"`
	Handler  Handler           `json:"-"`
}

// Grpc carries envelopes between MDS processes over a per-peer client
// stream. Frames are raw envelope bytes; the codec below bypasses protobuf
// because the protocol's wire format is already a packed binary encoding.
type Grpc struct {
	cfg    *GrpcConfig
	server *grpc.Server
	queues sync.Map
	conns  sync.Map
	done   chan struct{}
}

func NewGrpc(cfg *GrpcConfig) (*Grpc, error) {
	initialDefaultConfig(&cfg.ConnectTimeoutMs, defaultConnectionTimeoutMs)
	initialDefaultConfig(&cfg.KeepaliveTimeoutS, defaultKeepAliveTimeoutS)
	initialDefaultConfig(&cfg.BackoffBaseDelayMs, defaultBackoffBaseDelayMs)
	initialDefaultConfig(&cfg.BackoffMaxDelayMs, defaultBackoffMaxDelayMs)

	t := &Grpc{
		cfg:  cfg,
		done: make(chan struct{}),
	}

	s := grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.StreamInterceptor(metrics.GRPCMetrics.StreamServerInterceptor()),
	)
	s.RegisterService(&cacheServiceDesc, t)
	t.server = s

	lis, err := net.Listen("tcp", ":"+strconv.Itoa(int(cfg.ListenPort)))
	if err != nil {
		return nil, err
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			span := trace.SpanFromContextSafe(context.Background())
			span.Warnf("cache transport server stopped: %s", err)
		}
	}()
	return t, nil
}

func (t *Grpc) Send(ctx context.Context, env *proto.Envelope) error {
	if env.Dest.IsClient() {
		// client sessions hang off the client protocol layer, not the
		// inter-MDS transport
		return fmt.Errorf("no route to client %d", env.Dest.ID)
	}
	addr, err := t.cfg.Resolver.Resolve(ctx, env.Dest.Node())
	if err != nil {
		return fmt.Errorf("can't resolve node %d: %s", env.Dest.Node(), err)
	}

	ch, existing := t.getQueue(addr)
	if !existing {
		_, ctx := trace.StartSpanFromContext(context.Background(), "")
		go t.startProcessNewQueue(ctx, addr)
	}

	select {
	case ch <- env.Marshal():
		return nil
	default:
		return fmt.Errorf("send queue to %s is full", addr)
	}
}

func (t *Grpc) Close() {
	close(t.done)
	t.server.GracefulStop()
}

func (t *Grpc) getQueue(addr string) (chan []byte, bool) {
	value, ok := t.queues.Load(addr)
	if !ok {
		ch := make(chan []byte, sendBufferSize)
		value, ok = t.queues.LoadOrStore(addr, ch)
	}
	return value.(chan []byte), ok
}

// startProcessNewQueue dials the peer and drains its queue on a dedicated
// stream until an error occurs; the queue is removed on exit and the next
// send recreates it.
func (t *Grpc) startProcessNewQueue(ctx context.Context, addr string) {
	span := trace.SpanFromContextSafe(ctx)

	ch, existing := t.getQueue(addr)
	if !existing {
		span.Fatalf("queue[%s] does not exist", addr)
	}
	defer t.queues.Delete(addr)

	conn, err := t.getConnection(ctx, addr)
	if err != nil {
		span.Warnf("get connection for %s failed: %s", addr, err)
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := conn.NewStream(streamCtx, &cacheServiceDesc.Streams[0],
		"/"+cacheServiceName+"/MessageBatch", grpc.ForceCodec(rawCodec{}))
	if err != nil {
		span.Warnf("create message stream to %s failed: %s", addr, err)
		return
	}

	for {
		select {
		case <-t.done:
			return
		case b := <-ch:
			// grpc may still reference the frame after SendMsg returns, so
			// it is left to the GC instead of the byte pool
			if err := stream.SendMsg(&rawMessage{data: b}); err != nil {
				span.Warnf("send to %s failed: %s", addr, err)
				return
			}
		}
	}
}

func (t *Grpc) getConnection(ctx context.Context, target string) (conn *connection, err error) {
	value, loaded := t.conns.Load(target)
	if !loaded {
		value, _ = t.conns.LoadOrStore(target, &connection{})
	}
	conn = value.(*connection)

	if conn.ClientConn == nil {
		conn.once.Do(func() {
			grpcConn, dialErr := grpc.DialContext(ctx, target, t.dialOpts()...)
			if dialErr != nil {
				err = dialErr
				t.conns.Delete(target)
				return
			}
			grpcConn.Connect()
			conn.ClientConn = grpcConn
		})
	}
	return
}

func (t *Grpc) dialOpts() []grpc.DialOption {
	cfg := t.cfg
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(math.MaxInt32),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
		),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Timeout:             time.Duration(cfg.KeepaliveTimeoutS) * time.Second,
				PermitWithoutStream: true,
			},
		),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay: time.Duration(cfg.BackoffBaseDelayMs) * time.Millisecond,
				MaxDelay:  time.Duration(cfg.BackoffMaxDelayMs) * time.Millisecond,
			},
			MinConnectTimeout: time.Millisecond * time.Duration(cfg.ConnectTimeoutMs),
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

type connection struct {
	*grpc.ClientConn

	once sync.Once
}

// messageBatch is the server side of the peer stream: decode each frame and
// hand it to the registered handler.
func (t *Grpc) messageBatch(stream grpc.ServerStream) error {
	ctx := stream.Context()
	span := trace.SpanFromContextSafe(ctx)
	for {
		msg := &rawMessage{}
		if err := stream.RecvMsg(msg); err != nil {
			return err
		}
		env, err := proto.UnmarshalEnvelope(msg.data)
		if err != nil {
			span.Errorf("undecodable envelope from peer: %s", err)
			return err
		}
		t.cfg.Handler.HandleEnvelope(ctx, env)
	}
}

const cacheServiceName = "mdcache.Cache"

var cacheServiceDesc = grpc.ServiceDesc{
	ServiceName: cacheServiceName,
	HandlerType: (*interface{})(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "MessageBatch",
			Handler:       messageBatchHandler,
			ClientStreams: true,
		},
	},
}

func messageBatchHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(*Grpc).messageBatch(stream)
}

// rawMessage and rawCodec move pre-encoded envelope frames through grpc
// without a protobuf layer.
type rawMessage struct {
	data []byte
}

type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("rawCodec: unexpected type %T", v)
	}
	return m.data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("rawCodec: unexpected type %T", v)
	}
	m.data = data
	return nil
}

func (rawCodec) Name() string { return "raw" }

func initialDefaultConfig(v *uint32, def uint32) {
	if *v <= 0 {
		*v = def
	}
}
