// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package mdcache

import (
	"fmt"

	"github.com/cubefs/mdcache/cluster"
	"github.com/cubefs/mdcache/proto"
)

// DistState is the distributed coherence state of one inode.
type DistState uint16

const (
	DistSyncByAuth   DistState = 1 << iota // replica: soft metadata held in sync by the authority
	DistSyncByMe                           // authority: I hold the sync
	DistPreSync                            // authority: sync requested, acks outstanding
	DistLockByAuth                         // replica: hard metadata locked by the authority
	DistLockByMe                           // authority: I hold the lock
	DistPreLock                            // authority: lock requested, acks outstanding
	DistSoftAsync                          // soft metadata is hard-consistency-only (monotonic writers)
	DistWaitOnUnsync                       // replica: parked until the authority releases the sync
	DistWaitOnUnlock                       // replica: parked until the authority releases the lock
)

// PinReason is a reference on an inode; a pinned inode never leaves the
// cache.
type PinReason uint8

const (
	PinImport PinReason = iota
	PinExport
	PinDirty
	PinChild  // a dir with cached children outlives them
	PinCached // an authority with outstanding replicas stays put
	PinPreSync
	PinPreLock
	PinWaitOnUnsync
	PinWaitOnUnlock
)

// waitTag names the inode events a handler can park on.
type waitTag uint8

const (
	waitAuthPinnable waitTag = iota
	waitSync
	waitUnsync
	waitLock
	waitUnlock
	waitGetReplica
)

// waiter is a parked continuation. Message waiters (env != nil) re-drive the
// original request and may be redelegated to a new authority on export;
// internal continuations run locally and fail if their subtree moves away.
type waiter struct {
	env *proto.Envelope
	fn  func()
}

// Inode is one cached inode, authoritative or replica.
type Inode struct {
	Stat    perStat
	Version uint64

	// ParentDirVersion is the parent dir's version at link time; stale log
	// replays compare against it.
	ParentDirVersion uint64

	Auth     bool
	DirAuth  proto.NodeID
	CachedBy map[proto.NodeID]struct{}
	Dist     DistState
	Pop      float64

	// OpenWrite counts write-opens per client; syncs are forwarded to
	// these clients before the replica can ack.
	OpenWrite map[int32]int

	Dir    *Dir
	Parent *Dentry

	dirty        bool
	cachedPinned bool
	refSet       map[PinReason]int
	ref          int

	authPins int

	syncWaitingForAck   map[proto.NodeID]struct{}
	syncReplicaWantBack bool
	lockWaitingForAck   map[proto.NodeID]struct{}
	lockActiveCount     int
	clientWaitForSync   map[int32]int
	pendingSyncRequest  *proto.Envelope

	waiters map[waitTag][]waiter
}

// perStat is the attribute record; an alias keeps the wire type authoritative.
type perStat = proto.InodeStat

func newInode(stat proto.InodeStat) *Inode {
	return &Inode{
		Stat:     stat,
		Auth:     true,
		DirAuth:  proto.AuthParent,
		CachedBy: make(map[proto.NodeID]struct{}),
	}
}

func (in *Inode) Ino() proto.Ino { return in.Stat.Ino }

func (in *Inode) IsDir() bool       { return in.Stat.Kind.IsDir() }
func (in *Inode) DirIsHashed() bool { return in.Stat.Kind == proto.KindHashedDir }
func (in *Inode) IsRoot() bool      { return in.Parent == nil && in.Stat.Ino == proto.RootIno }

func (in *Inode) IsAuth() bool { return in.Auth }

func (in *Inode) IsSyncByAuth() bool   { return in.Dist&DistSyncByAuth != 0 }
func (in *Inode) IsSyncByMe() bool     { return in.Dist&DistSyncByMe != 0 }
func (in *Inode) IsPreSync() bool      { return in.Dist&DistPreSync != 0 }
func (in *Inode) IsLockByAuth() bool   { return in.Dist&DistLockByAuth != 0 }
func (in *Inode) IsLockByMe() bool     { return in.Dist&DistLockByMe != 0 }
func (in *Inode) IsPreLock() bool      { return in.Dist&DistPreLock != 0 }
func (in *Inode) IsSoftAsync() bool    { return in.Dist&DistSoftAsync != 0 }
func (in *Inode) IsWaitOnUnsync() bool { return in.Dist&DistWaitOnUnsync != 0 }
func (in *Inode) IsWaitOnUnlock() bool { return in.Dist&DistWaitOnUnlock != 0 }

func (in *Inode) IsOpenWrite() bool { return len(in.OpenWrite) > 0 }

func (in *Inode) OpenWriteAdd(client int32) {
	if in.OpenWrite == nil {
		in.OpenWrite = make(map[int32]int)
	}
	in.OpenWrite[client]++
}

func (in *Inode) OpenWriteRemove(client int32) {
	if n := in.OpenWrite[client]; n > 1 {
		in.OpenWrite[client] = n - 1
	} else {
		delete(in.OpenWrite, client)
	}
}

func (in *Inode) IsCachedByAnyone() bool { return len(in.CachedBy) > 0 }

func (in *Inode) IsCachedBy(who proto.NodeID) bool {
	_, ok := in.CachedBy[who]
	return ok
}

func (in *Inode) CachedByAdd(who proto.NodeID) {
	in.CachedBy[who] = struct{}{}
	in.cachedByPinCheck()
}

func (in *Inode) CachedByRemove(who proto.NodeID) {
	delete(in.CachedBy, who)
	in.cachedByPinCheck()
}

func (in *Inode) CachedByClear() {
	in.CachedBy = make(map[proto.NodeID]struct{})
	in.cachedByPinCheck()
}

// cachedByPinCheck keeps the authority pinned while replicas are
// outstanding; replicas carry cached_by as information only.
func (in *Inode) cachedByPinCheck() {
	want := in.Auth && len(in.CachedBy) > 0
	if want && !in.cachedPinned {
		in.Get(PinCached)
		in.cachedPinned = true
	} else if !want && in.cachedPinned {
		in.Put(PinCached)
		in.cachedPinned = false
	}
}

func (in *Inode) cachedByList() []proto.NodeID {
	out := make([]proto.NodeID, 0, len(in.CachedBy))
	for who := range in.CachedBy {
		out = append(out, who)
	}
	return out
}

func (in *Inode) IsDirty() bool { return in.dirty }

func (in *Inode) MarkDirty() {
	if !in.dirty {
		in.dirty = true
		in.Get(PinDirty)
	}
}

func (in *Inode) MarkClean() {
	if in.dirty {
		in.dirty = false
		in.Put(PinDirty)
	}
}

// Get takes a pin. A pinned inode is not expireable.
func (in *Inode) Get(reason PinReason) {
	if in.refSet == nil {
		in.refSet = make(map[PinReason]int)
	}
	in.refSet[reason]++
	in.ref++
}

// Put drops a pin.
func (in *Inode) Put(reason PinReason) {
	n := in.refSet[reason]
	assertf(n > 0, "unpin %d of inode %d without pin", reason, in.Ino())
	if n == 1 {
		delete(in.refSet, reason)
	} else {
		in.refSet[reason] = n - 1
	}
	in.ref--
}

func (in *Inode) IsPinnedBy(reason PinReason) bool { return in.refSet[reason] > 0 }

// Expireable reports whether the LRU may evict this inode.
func (in *Inode) Expireable() bool { return in.ref == 0 }

func (in *Inode) parentDir() *Dir {
	if in.Parent == nil {
		return nil
	}
	return in.Parent.Dir
}

func (in *Inode) parentInode() *Inode {
	if d := in.parentDir(); d != nil {
		return d.inode
	}
	return nil
}

// Authority resolves the MDS owning this inode: the dentry authority of its
// parent link, or rank 0 for the root.
func (in *Inode) Authority(c *cluster.Cluster) proto.NodeID {
	if in.Parent == nil {
		return 0
	}
	return in.Parent.Dir.DentryAuthority(in.Parent.Name, c)
}

// DirAuthority resolves the authority of the subtree below this inode.
func (in *Inode) DirAuthority(c *cluster.Cluster) proto.NodeID {
	if in.DirAuth == proto.AuthParent {
		return in.Authority(c)
	}
	return in.DirAuth
}

// IsFrozen reports whether this inode sits inside a frozen subtree.
func (in *Inode) IsFrozen() bool {
	if d := in.parentDir(); d != nil {
		return d.IsFrozen()
	}
	return false
}

func (in *Inode) IsFreezing() bool {
	if d := in.parentDir(); d != nil {
		return d.IsFreezing()
	}
	return false
}

// CanAuthPin: pins are refused once the subtree starts freezing, which is
// how migrations drain in-flight work.
func (in *Inode) CanAuthPin() bool { return !in.IsFrozen() && !in.IsFreezing() }

// AuthPin blocks migration of every subtree containing this inode.
func (in *Inode) AuthPin() {
	in.authPins++
	for d := in.parentDir(); d != nil; d = d.inode.parentDir() {
		d.nestedAuthPins++
	}
}

func (in *Inode) AuthUnpin() {
	assertf(in.authPins > 0, "auth_unpin of inode %d without pin", in.Ino())
	in.authPins--
	for d := in.parentDir(); d != nil; d = d.inode.parentDir() {
		d.nestedAuthPins--
		d.maybeFinishFreeze()
	}
}

func (in *Inode) AddWaiter(tag waitTag, w waiter) {
	if in.waiters == nil {
		in.waiters = make(map[waitTag][]waiter)
	}
	in.waiters[tag] = append(in.waiters[tag], w)
}

func (in *Inode) TakeWaiting(tag waitTag) []waiter {
	ws := in.waiters[tag]
	delete(in.waiters, tag)
	return ws
}

// TakeAllWaiting drains every parked continuation, in tag then insertion
// order.
func (in *Inode) TakeAllWaiting() []waiter {
	var out []waiter
	for tag := waitAuthPinnable; tag <= waitGetReplica; tag++ {
		out = append(out, in.TakeWaiting(tag)...)
	}
	return out
}

func (in *Inode) String() string {
	return fmt.Sprintf("inode(%d auth=%v dir_auth=%d dist=%b ref=%d)",
		in.Ino(), in.Auth, in.DirAuth, in.Dist, in.ref)
}

// assertf is a hard invariant check; a failure is a protocol bug, not a
// recoverable state.
func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic("mdcache: " + fmt.Sprintf(format, args...))
	}
}
