package transport

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/mdcache/proto"
)

// Loopback is an in-process transport with a single FIFO delivery queue.
// Tests pump it to quiescence, which makes multi-node protocol runs
// deterministic. Every delivery round-trips through the wire codec so the
// loopback exercises the same serialization as the gRPC transport.
type Loopback struct {
	mu       sync.Mutex
	queue    [][]byte
	handlers map[proto.Addr]Handler
	dropped  int
}

func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[proto.Addr]Handler)}
}

// Register binds an endpoint. MDS endpoints are proto.MDS(rank); tests may
// also register proto.Client endpoints to observe client-bound traffic.
func (l *Loopback) Register(addr proto.Addr, h Handler) {
	l.mu.Lock()
	l.handlers[addr] = h
	l.mu.Unlock()
}

func (l *Loopback) Send(ctx context.Context, env *proto.Envelope) error {
	b := env.Marshal()
	l.mu.Lock()
	l.queue = append(l.queue, b)
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Close() {}

// Step delivers the head of the queue; returns false when empty.
func (l *Loopback) Step(ctx context.Context) bool {
	l.mu.Lock()
	if len(l.queue) == 0 {
		l.mu.Unlock()
		return false
	}
	b := l.queue[0]
	l.queue = l.queue[1:]
	l.mu.Unlock()

	env, err := proto.UnmarshalEnvelope(b)
	proto.FreeFrame(b) // decode copied everything out
	if err != nil {
		panic("loopback: undecodable envelope: " + err.Error())
	}

	l.mu.Lock()
	h := l.handlers[env.Dest]
	if h == nil {
		l.dropped++
	}
	l.mu.Unlock()
	if h == nil {
		log.Warnf("loopback: no handler for %+v, dropping %d", env.Dest, env.Msg.Type())
		return true
	}
	h.HandleEnvelope(ctx, env)
	return true
}

// Pump delivers until the queue drains, returning the delivery count.
// Handlers may enqueue further messages while it runs.
func (l *Loopback) Pump(ctx context.Context) int {
	n := 0
	for l.Step(ctx) {
		n++
	}
	return n
}

// Pending returns the queued message count.
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Dropped returns how many envelopes had no registered endpoint.
func (l *Loopback) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
