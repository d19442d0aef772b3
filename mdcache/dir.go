package mdcache

import (
	"sort"

	"github.com/cubefs/mdcache/cluster"
	"github.com/cubefs/mdcache/proto"
)

// Dentry links a name in a directory to a child inode.
type Dentry struct {
	Name  string
	Dir   *Dir
	Inode *Inode
}

// DirState bits. Frozen bits survive an export (the exporter still has to
// thaw); COMPLETE and DIRTY travel with the authoritative copy.
type DirState uint32

const (
	DirStateComplete DirState = 1 << iota
	DirStateDirty
	DirStateAuth
	DirStateImport
	DirStateFreezingTree
	DirStateFrozenTree
	DirStateFreezingDir
	DirStateFrozenDir
	DirStateHashed
	DirStateHashing
	DirStateUnhashing
)

const (
	// dirMaskExported: state an importer assimilates from the blob.
	dirMaskExported = DirStateComplete | DirStateDirty
	// dirMaskExportKept: state the exporter retains after handing off.
	dirMaskExportKept = DirStateFreezingTree | DirStateFrozenTree |
		DirStateFreezingDir | DirStateFrozenDir | DirStateHashed
)

// dirWaitTag names the directory events a handler can park on; dentry waits
// are keyed by name separately.
type dirWaitTag uint8

const (
	dirWaitUnfreeze dirWaitTag = iota
	dirWaitImported
)

// Dir is the cached content of one directory inode, instantiated lazily.
type Dir struct {
	inode *Inode
	items map[string]*Dentry

	version uint64
	state   DirState

	dirRep   proto.DirRep
	dirRepBy map[proto.NodeID]struct{}
	pop      float64

	authPins       int
	nestedAuthPins int

	freezeTreeWaiter func()
	freezeDirWaiter  func()

	fetching      bool
	fetchWaiters  []waiter
	dentryWaiters map[string][]waiter
	waiters       map[dirWaitTag][]waiter
}

func newDir(in *Inode) *Dir {
	d := &Dir{
		inode:    in,
		items:    make(map[string]*Dentry),
		dirRepBy: make(map[proto.NodeID]struct{}),
	}
	if in.Auth {
		d.state |= DirStateAuth
	}
	return d
}

func (d *Dir) Inode() *Inode { return d.inode }

func (d *Dir) Lookup(name string) *Dentry { return d.items[name] }

func (d *Dir) AddChild(dn *Dentry) {
	assertf(d.items[dn.Name] == nil, "dir %d already has %q", d.inode.Ino(), dn.Name)
	dn.Dir = d
	d.items[dn.Name] = dn
	if len(d.items) == 1 {
		d.inode.Get(PinChild)
	}
}

func (d *Dir) RemoveChild(dn *Dentry) {
	delete(d.items, dn.Name)
	dn.Dir = nil
	if len(d.items) == 0 {
		d.inode.Put(PinChild)
	}
}

func (d *Dir) Size() int { return len(d.items) }

func (d *Dir) sortedNames() []string {
	names := make([]string, 0, len(d.items))
	for name := range d.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dir) StateTest(bits DirState) bool { return d.state&bits != 0 }
func (d *Dir) StateSet(bits DirState)       { d.state |= bits }
func (d *Dir) StateClear(bits DirState)     { d.state &^= bits }

func (d *Dir) IsAuth() bool      { return d.StateTest(DirStateAuth) }
func (d *Dir) IsComplete() bool  { return d.StateTest(DirStateComplete) }
func (d *Dir) IsImport() bool    { return d.StateTest(DirStateImport) }
func (d *Dir) IsHashed() bool    { return d.StateTest(DirStateHashed) }
func (d *Dir) IsHashing() bool   { return d.StateTest(DirStateHashing) }
func (d *Dir) IsUnhashing() bool { return d.StateTest(DirStateUnhashing) }

func (d *Dir) IsFrozenTreeRoot() bool { return d.StateTest(DirStateFrozenTree) }
func (d *Dir) IsFrozenDir() bool      { return d.StateTest(DirStateFrozenDir) }

// IsFrozen is true when this dir, or any tree-frozen ancestor, is quiescent.
func (d *Dir) IsFrozen() bool {
	if d.StateTest(DirStateFrozenTree | DirStateFrozenDir) {
		return true
	}
	for in := d.inode; in.Parent != nil; {
		pd := in.Parent.Dir
		if pd.StateTest(DirStateFrozenTree) {
			return true
		}
		in = pd.inode
	}
	return false
}

func (d *Dir) IsFreezing() bool {
	if d.StateTest(DirStateFreezingTree | DirStateFreezingDir) {
		return true
	}
	for in := d.inode; in.Parent != nil; {
		pd := in.Parent.Dir
		if pd.StateTest(DirStateFreezingTree) {
			return true
		}
		in = pd.inode
	}
	return false
}

func (d *Dir) MarkComplete() { d.StateSet(DirStateComplete) }
func (d *Dir) MarkDirty()    { d.StateSet(DirStateDirty) }
func (d *Dir) MarkClean()    { d.StateClear(DirStateDirty) }

// AuthPin blocks freezing of this dir and every subtree containing it.
func (d *Dir) AuthPin() {
	d.authPins++
	for p := d.inode.parentDir(); p != nil; p = p.inode.parentDir() {
		p.nestedAuthPins++
	}
}

func (d *Dir) AuthUnpin() {
	assertf(d.authPins > 0, "auth_unpin of dir %d without pin", d.inode.Ino())
	d.authPins--
	d.maybeFinishFreeze()
	for p := d.inode.parentDir(); p != nil; p = p.inode.parentDir() {
		p.nestedAuthPins--
		p.maybeFinishFreeze()
	}
}

// FreezeTree quiesces the whole subtree: new auth-pins are refused and fn
// fires once existing pins drain.
func (d *Dir) FreezeTree(fn func()) {
	assertf(!d.StateTest(DirStateFreezingTree|DirStateFrozenTree), "freeze_tree of already freezing dir %d", d.inode.Ino())
	d.StateSet(DirStateFreezingTree)
	d.freezeTreeWaiter = fn
	d.maybeFinishFreeze()
}

// FreezeDir quiesces just this dir, not the subtree below it.
func (d *Dir) FreezeDir(fn func()) {
	assertf(!d.StateTest(DirStateFreezingDir|DirStateFrozenDir), "freeze_dir of already freezing dir %d", d.inode.Ino())
	d.StateSet(DirStateFreezingDir)
	d.freezeDirWaiter = fn
	d.maybeFinishFreeze()
}

func (d *Dir) maybeFinishFreeze() {
	if d.StateTest(DirStateFreezingTree) && d.authPins == 0 && d.nestedAuthPins == 0 {
		d.StateClear(DirStateFreezingTree)
		d.StateSet(DirStateFrozenTree)
		if fn := d.freezeTreeWaiter; fn != nil {
			d.freezeTreeWaiter = nil
			fn()
		}
	}
	if d.StateTest(DirStateFreezingDir) && d.authPins == 0 {
		d.StateClear(DirStateFreezingDir)
		d.StateSet(DirStateFrozenDir)
		if fn := d.freezeDirWaiter; fn != nil {
			d.freezeDirWaiter = nil
			fn()
		}
	}
}

func (d *Dir) AddDentryWaiter(name string, w waiter) {
	if d.dentryWaiters == nil {
		d.dentryWaiters = make(map[string][]waiter)
	}
	d.dentryWaiters[name] = append(d.dentryWaiters[name], w)
}

func (d *Dir) TakeDentryWaiting(name string) []waiter {
	ws := d.dentryWaiters[name]
	delete(d.dentryWaiters, name)
	return ws
}

func (d *Dir) AddWaiter(tag dirWaitTag, w waiter) {
	if d.waiters == nil {
		d.waiters = make(map[dirWaitTag][]waiter)
	}
	d.waiters[tag] = append(d.waiters[tag], w)
}

func (d *Dir) TakeWaiting(tag dirWaitTag) []waiter {
	ws := d.waiters[tag]
	delete(d.waiters, tag)
	return ws
}

// TakeAllWaiting drains dentry and event waiters; used when the dir changes
// hands and parked work must be repartitioned.
func (d *Dir) TakeAllWaiting() []waiter {
	var out []waiter
	for _, name := range d.sortedDentryWaiterNames() {
		out = append(out, d.dentryWaiters[name]...)
	}
	d.dentryWaiters = nil
	out = append(out, d.TakeWaiting(dirWaitUnfreeze)...)
	out = append(out, d.TakeWaiting(dirWaitImported)...)
	return out
}

func (d *Dir) sortedDentryWaiterNames() []string {
	names := make([]string, 0, len(d.dentryWaiters))
	for name := range d.dentryWaiters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DentryAuthority is the routing oracle: hashed dirs shard by name, normal
// dirs follow the dir authority.
func (d *Dir) DentryAuthority(name string, c *cluster.Cluster) proto.NodeID {
	if d.inode.DirIsHashed() {
		return c.HashDentry(d.inode.Ino(), name)
	}
	return d.inode.DirAuthority(c)
}
