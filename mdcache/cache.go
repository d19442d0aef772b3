package mdcache

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	"github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/mdstore"
	"github.com/cubefs/mdcache/metrics"
	"github.com/cubefs/mdcache/proto"
)

const fetchPoolSize = 16

// Cache is the per-MDS metadata cache. All of its state is owned by one
// dispatch loop: handlers run to completion or park a waiter; nothing blocks.
// Only Post/RunPending are safe to touch from other goroutines.
type Cache struct {
	cfg   *Config
	stats *metrics.CacheCounters

	inodeMap map[proto.Ino]*Inode
	root     *Inode
	lru      *lruList

	imports       map[*Inode]struct{}
	exports       map[*Inode]struct{}
	nestedExports map[*Inode]map[*Inode]struct{}

	importHashedFrozenWaiting    map[proto.Ino][]proto.Ino
	importHashedReplicateWaiting map[proto.Ino][]proto.Ino
	unhashWaiting                map[*Dir]map[proto.NodeID]struct{}
	hashWaiting                  map[*Dir]map[proto.NodeID]struct{}

	openingRoot    bool
	waitingForRoot []waiter

	shuttingDown bool
	shutDown     bool

	fetchPool taskpool.TaskPool

	pendingMu sync.Mutex
	pending   []func()
}

func NewCache(cfg *Config) *Cache {
	initConfig(cfg)
	return &Cache{
		cfg:                          cfg,
		stats:                        metrics.NewCacheCounters(int32(cfg.NodeID)),
		inodeMap:                     make(map[proto.Ino]*Inode),
		lru:                          newLRU(cfg.Size, cfg.Mid),
		imports:                      make(map[*Inode]struct{}),
		exports:                      make(map[*Inode]struct{}),
		nestedExports:                make(map[*Inode]map[*Inode]struct{}),
		importHashedFrozenWaiting:    make(map[proto.Ino][]proto.Ino),
		importHashedReplicateWaiting: make(map[proto.Ino][]proto.Ino),
		unhashWaiting:                make(map[*Dir]map[proto.NodeID]struct{}),
		hashWaiting:                  make(map[*Dir]map[proto.NodeID]struct{}),
		fetchPool:                    taskpool.New(fetchPoolSize, fetchPoolSize),
	}
}

func (c *Cache) WhoAmI() proto.NodeID { return c.cfg.NodeID }
func (c *Cache) Root() *Inode         { return c.root }
func (c *Cache) Size() int            { return len(c.inodeMap) }

// CreateInode builds a fresh authoritative inode.
func (c *Cache) CreateInode(kind proto.InodeKind) *Inode {
	in := newInode(proto.InodeStat{Ino: c.cfg.InoAlloc.Alloc(), Kind: kind})
	c.AddInode(in)
	return in
}

func (c *Cache) DestroyInode(in *Inode) {
	c.cfg.InoAlloc.Reclaim(in.Ino())
	c.RemoveInode(in)
}

func (c *Cache) AddInode(in *Inode) {
	assertf(len(c.inodeMap) == c.lru.Size(), "inode map and lru diverged")
	c.lru.Insert(in)
	c.inodeMap[in.Ino()] = in
	assertf(len(c.inodeMap) == c.lru.Size(), "inode map and lru diverged")
}

// RemoveInode detaches an inode from its parent and drops it from the cache.
func (c *Cache) RemoveInode(in *Inode) {
	if dn := in.Parent; dn != nil {
		dn.Dir.RemoveChild(dn)
		in.Parent = nil
	}
	delete(c.inodeMap, in.Ino())
	c.lru.Remove(in)
	if in == c.root {
		c.root = nil
	}
}

func (c *Cache) GetInode(ino proto.Ino) *Inode { return c.inodeMap[ino] }

// LinkInode attaches child under parent with the given name.
func (c *Cache) LinkInode(parent *Inode, name string, child *Inode) error {
	if !parent.IsDir() {
		return errors.ErrNotDir
	}
	if parent.Dir == nil {
		parent.Dir = newDir(parent)
	}
	assertf(parent.Dir.Lookup(name) == nil, "link of existing name %q in dir %d", name, parent.Ino())

	dn := &Dentry{Name: name, Inode: child}
	child.Parent = dn
	parent.Dir.AddChild(dn)
	child.ParentDirVersion = parent.Dir.version
	return nil
}

func (c *Cache) setRoot(in *Inode) {
	assertf(c.root == nil, "root already set")
	c.root = in
	c.AddInode(in)
}

// openDir lazily instantiates the CDir of a dir-capable inode.
func (c *Cache) openDir(in *Inode) *Dir {
	if in.Dir == nil {
		in.Dir = newDir(in)
	}
	return in.Dir
}

// GetContainingImport walks up to the import subtree root covering in.
func (c *Cache) GetContainingImport(in *Inode) *Inode {
	imp := in
	for imp != nil {
		if _, ok := c.imports[imp]; ok {
			return imp
		}
		imp = imp.parentInode()
	}
	assertf(false, "inode %d not under any import", in.Ino())
	return nil
}

// GetContainingExport walks up to the nearest export point covering in, or
// nil if there is none.
func (c *Cache) GetContainingExport(in *Inode) *Inode {
	ex := in
	for ex != nil {
		if _, ok := c.exports[ex]; ok {
			return ex
		}
		ex = ex.parentInode()
	}
	return nil
}

// MakePath builds the absolute path of an inode from its parent chain.
func (c *Cache) MakePath(in *Inode) string {
	if in.Parent == nil {
		return ""
	}
	return c.MakePath(in.Parent.Dir.inode) + "/" + in.Parent.Name
}

// OpenRoot makes the root inode available: rank 0 fabricates it, everybody
// else discovers it from rank 0.
func (c *Cache) OpenRoot(ctx context.Context, fn func()) {
	span := trace.SpanFromContextSafe(ctx)
	if c.whoami() == 0 {
		if c.root == nil {
			root := newInode(proto.InodeStat{Ino: proto.RootIno, Kind: proto.KindDir, Mode: 0o755})
			root.DirAuth = 0
			root.Dir = newDir(root)
			assertf(root.Dir.IsAuth(), "root dir must be auth on rank 0")
			root.Dir.dirRep = proto.DirRepNone

			c.setRoot(root)

			// root is an import from a vacuum
			c.imports[root] = struct{}{}
			root.Dir.StateSet(DirStateImport)
			root.Get(PinImport)
			c.stats.Nim.Set(float64(len(c.imports)))
		}
		if fn != nil {
			fn()
		}
		return
	}

	if fn != nil {
		c.waitingForRoot = append(c.waitingForRoot, waiter{fn: fn})
	}
	if !c.openingRoot {
		span.Debugf("discovering root from rank 0")
		c.openingRoot = true
		c.send(ctx, proto.MDS(0), &proto.Discover{
			Asker:    c.whoami(),
			JustRoot: true,
		})
	} else {
		span.Debugf("already waiting for root")
	}
}

func (c *Cache) whoami() proto.NodeID { return c.cfg.NodeID }

// send wraps a message in an envelope from this MDS's cache port.
func (c *Cache) send(ctx context.Context, dest proto.Addr, m proto.Msg) {
	span := trace.SpanFromContextSafe(ctx)
	env := &proto.Envelope{
		Source:     proto.MDS(c.whoami()),
		Dest:       dest,
		SourcePort: proto.PortCache,
		DestPort:   proto.PortCache,
		Msg:        m,
	}
	if err := c.cfg.Messenger.Send(ctx, env); err != nil {
		span.Warnf("send %d to %+v failed: %s", m.Type(), dest, err)
	}
}

// forward retransmits a parked envelope to another MDS; the payload carries
// everything the peer needs.
func (c *Cache) forward(ctx context.Context, env *proto.Envelope, to proto.NodeID) {
	span := trace.SpanFromContextSafe(ctx)
	fwd := &proto.Envelope{
		Source:     proto.MDS(c.whoami()),
		Dest:       proto.MDS(to),
		SourcePort: env.SourcePort,
		DestPort:   env.DestPort,
		Msg:        env.Msg,
	}
	if err := c.cfg.Messenger.Send(ctx, fwd); err != nil {
		span.Warnf("forward %d to mds%d failed: %s", env.Msg.Type(), to, err)
	}
}

// fire resumes parked continuations in insertion order.
func (c *Cache) fire(ctx context.Context, ws []waiter) {
	for _, w := range ws {
		if w.fn != nil {
			w.fn()
		} else if w.env != nil {
			c.HandleEnvelope(ctx, w.env)
		}
	}
}

func (c *Cache) unfreezeTree(ctx context.Context, d *Dir) {
	d.StateClear(DirStateFrozenTree)
	c.fire(ctx, d.TakeWaiting(dirWaitUnfreeze))
}

func (c *Cache) unfreezeDir(ctx context.Context, d *Dir) {
	d.StateClear(DirStateFrozenDir)
	c.fire(ctx, d.TakeWaiting(dirWaitUnfreeze))
}

// fetchDir loads a directory from the store off the loop; the completion is
// posted back and applied by RunPending.
func (c *Cache) fetchDir(ctx context.Context, in *Inode, w waiter) {
	d := c.openDir(in)
	if w.env != nil || w.fn != nil {
		d.fetchWaiters = append(d.fetchWaiters, w)
	}
	if d.fetching {
		return
	}
	d.fetching = true

	ino := in.Ino()
	store := c.cfg.Store
	c.fetchPool.Run(func() {
		ents, err := store.FetchDir(context.Background(), ino)
		c.Post(func() { c.fetchDirFinish(ctx, ino, ents, err) })
	})
}

func (c *Cache) fetchDirFinish(ctx context.Context, ino proto.Ino, ents []mdstore.Dirent, err error) {
	span := trace.SpanFromContextSafe(ctx)
	in := c.GetInode(ino)
	if in == nil || in.Dir == nil {
		span.Warnf("fetched dir %d is gone", ino)
		return
	}
	d := in.Dir
	d.fetching = false
	if err != nil {
		span.Errorf("fetch dir %d failed: %s", ino, err)
		// waiters retry and refetch
	} else {
		for _, ent := range ents {
			if d.Lookup(ent.Name) != nil {
				continue
			}
			child := c.GetInode(ent.Stat.Ino)
			if child == nil {
				child = newInode(ent.Stat)
				c.AddInode(child)
			}
			if child.Parent == nil {
				if lerr := c.LinkInode(in, ent.Name, child); lerr != nil {
					span.Errorf("link fetched dirent %q under %d failed: %s", ent.Name, ino, lerr)
				}
			}
		}
		d.MarkComplete()
	}
	ws := d.fetchWaiters
	d.fetchWaiters = nil
	c.fire(ctx, ws)
}

// Post schedules fn onto the dispatch loop; safe from any goroutine.
func (c *Cache) Post(fn func()) {
	c.pendingMu.Lock()
	c.pending = append(c.pending, fn)
	c.pendingMu.Unlock()
}

// RunPending drains posted completions on the loop.
func (c *Cache) RunPending(ctx context.Context) int {
	n := 0
	for {
		c.pendingMu.Lock()
		if len(c.pending) == 0 {
			c.pendingMu.Unlock()
			return n
		}
		fn := c.pending[0]
		c.pending = c.pending[1:]
		c.pendingMu.Unlock()
		fn()
		n++
	}
}

// CheckInvariants asserts the reachable-state invariants; tests call it
// after every pump.
func (c *Cache) CheckInvariants() {
	assertf(len(c.inodeMap) == c.lru.Size(), "inode map size %d != lru size %d", len(c.inodeMap), c.lru.Size())

	for ex := range c.exports {
		imp := c.GetContainingImport(ex)
		assertf(imp != ex, "export %d is its own import", ex.Ino())
		_, ok := c.nestedExports[imp][ex]
		assertf(ok, "export %d missing from nested_exports of import %d", ex.Ino(), imp.Ino())
	}
	for imp, nested := range c.nestedExports {
		for ex := range nested {
			_, ok := c.exports[ex]
			assertf(ok, "nested export %d of %d not in exports", ex.Ino(), imp.Ino())
		}
	}

	for _, in := range c.inodeMap {
		if in.IsAuth() {
			assertf(!in.IsCachedBy(c.whoami()), "inode %d cached_by contains myself", in.Ino())
		}
		if in.IsPreSync() {
			assertf(in.IsAuth() && len(in.syncWaitingForAck) > 0, "presync without pending acks on %d", in.Ino())
		} else {
			assertf(len(in.syncWaitingForAck) == 0, "pending sync acks without presync on %d", in.Ino())
		}
	}
}
