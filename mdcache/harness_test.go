package mdcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cubefs/mdcache/cluster"
	"github.com/cubefs/mdcache/mdlog"
	"github.com/cubefs/mdcache/mdstore"
	"github.com/cubefs/mdcache/proto"
	"github.com/cubefs/mdcache/transport"
)

// testCluster runs n caches over the loopback transport in one goroutine;
// pump drives every queued message and posted completion to quiescence, so
// protocol runs are deterministic.
type testCluster struct {
	t      *testing.T
	lb     *transport.Loopback
	cl     *cluster.Cluster
	caches []*Cache
	sink   *clientSink
}

type clientSink struct {
	mu   sync.Mutex
	acks []*proto.ClientOpAck
}

func (s *clientSink) HandleEnvelope(ctx context.Context, env *proto.Envelope) {
	if ack, ok := env.Msg.(*proto.ClientOpAck); ok {
		s.mu.Lock()
		s.acks = append(s.acks, ack)
		s.mu.Unlock()
	}
}

func (s *clientSink) take() []*proto.ClientOpAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	acks := s.acks
	s.acks = nil
	return acks
}

const testClient int32 = 7

func newTestCluster(t *testing.T, n int, tune func(cfg *Config)) *testCluster {
	tc := &testCluster{
		t:    t,
		lb:   transport.NewLoopback(),
		cl:   cluster.NewSized(n),
		sink: &clientSink{},
	}
	tc.lb.Register(proto.Client(testClient), tc.sink)

	for i := 0; i < n; i++ {
		journal, err := mdlog.Open("")
		if err != nil {
			t.Fatal(err)
		}
		cfg := &Config{
			NodeID:    proto.NodeID(i),
			Cluster:   tc.cl,
			Messenger: tc.lb,
			Store:     mdstore.NewMem(),
			Journal:   journal,
		}
		if tune != nil {
			tune(cfg)
		}
		c := NewCache(cfg)
		tc.caches = append(tc.caches, c)
		tc.lb.Register(proto.MDS(proto.NodeID(i)), c)
	}

	// rank 0 opens root; the rest discover it lazily
	tc.caches[0].OpenRoot(context.Background(), nil)
	return tc
}

// pump delivers messages and posted fetch completions until the whole
// cluster is idle, then re-checks every invariant.
func (tc *testCluster) pump() {
	ctx := context.Background()
	idle := 0
	for idle < 20 {
		n := tc.lb.Pump(ctx)
		for _, c := range tc.caches {
			n += c.RunPending(ctx)
		}
		if n == 0 {
			idle++
			time.Sleep(time.Millisecond)
		} else {
			idle = 0
		}
	}
	for _, c := range tc.caches {
		c.CheckInvariants()
	}
}

// mkfile creates an authoritative child on c and records it in the backing
// store so refetches see it.
func (tc *testCluster) mkfile(c *Cache, parent *Inode, name string, kind proto.InodeKind) *Inode {
	in := c.CreateInode(kind)
	in.Stat.Mode = 0o644
	if kind.IsDir() {
		in.Stat.Mode = 0o755
	}
	if err := c.LinkInode(parent, name, in); err != nil {
		tc.t.Fatal(err)
	}
	if err := c.cfg.Store.PutDirent(context.Background(), parent.Ino(), mdstore.Dirent{Name: name, Stat: in.Stat}); err != nil {
		tc.t.Fatal(err)
	}
	c.openDir(parent).MarkComplete()
	return in
}

func storeDirent(name string, stat proto.InodeStat) mdstore.Dirent {
	return mdstore.Dirent{Name: name, Stat: stat}
}

// clientOp injects a client request at node dest.
func (tc *testCluster) clientOp(dest proto.NodeID, op *proto.ClientOp) {
	op.Client = testClient
	env := &proto.Envelope{
		Source:     proto.Client(testClient),
		Dest:       proto.MDS(dest),
		SourcePort: proto.PortClient,
		DestPort:   proto.PortCache,
		Msg:        op,
	}
	if err := tc.lb.Send(context.Background(), env); err != nil {
		tc.t.Fatal(err)
	}
}

// discoverPath makes node `who` replicate path from its authority by driving
// a traversal in discover mode. The parked carrier is a plain stat, so its
// redelivery after the discovery lands is harmless.
func (tc *testCluster) discoverPath(who proto.NodeID, path string) {
	c := tc.caches[who]
	env := &proto.Envelope{
		Source:     proto.Client(testClient),
		Dest:       proto.MDS(who),
		SourcePort: proto.PortClient,
		DestPort:   proto.PortCache,
		Msg:        &proto.ClientOp{Op: proto.OpStat, Client: testClient, Path: path},
	}
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, status, err := c.PathTraverse(ctx, path, env, TravDiscover)
		if err != nil {
			tc.t.Fatalf("discover traverse %q: %s", path, err)
		}
		if status == TravOK {
			tc.sink.take()
			return
		}
		tc.pump()
	}
	tc.t.Fatalf("discover of %q never completed", path)
}
