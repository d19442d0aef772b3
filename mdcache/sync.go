package mdcache

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/mdcache/proto"
)

// Soft metadata (mtime, size...) is guarded by the sync regime; hard
// metadata (owner, mode) by the lock regime. Per-inode the SOFTASYNC flag
// selects between:
//
//	normal:    replicas read soft data freely, writes need the authority to
//	           hold a sync
//	softasync: replicas must sync to read, monotonic writes proceed locally
//
// A held lock subsumes a sync for read purposes.

// ReadSoftStart gates a soft read (stat). False means the request was
// parked or forwarded.
func (c *Cache) ReadSoftStart(ctx context.Context, in *Inode, env *proto.Envelope) bool {
	span := trace.SpanFromContextSafe(ctx)

	if !c.ReadHardTry(ctx, in, env) {
		return false
	}

	if in.IsFrozen() {
		span.Debugf("read_soft_start %s frozen, waiting", in)
		in.parentDir().AddWaiter(dirWaitUnfreeze, waiter{env: env})
		return false
	}

	if in.IsSoftAsync() {
		// hard consistency only: a read needs the sync
		if in.IsAuth() {
			if in.IsSyncByMe() || in.IsLockByMe() || !in.IsCachedByAnyone() {
				return true
			}
		} else {
			auth := in.Authority(c.cfg.Cluster)
			span.Debugf("read_soft_start %s softasync replica, fw to auth mds%d", in, auth)
			assertf(auth != c.whoami(), "replica authority is myself on %d", in.Ino())
			c.forward(ctx, env, auth)
			return false
		}
	} else {
		if !in.IsSyncByAuth() {
			return true
		}
		// wait out the authority's sync
	}

	return c.waitForSync(ctx, in, env)
}

func (c *Cache) ReadSoftFinish(ctx context.Context, in *Inode) {}

// WriteSoftStart gates a soft write (touch, size extension).
func (c *Cache) WriteSoftStart(ctx context.Context, in *Inode, env *proto.Envelope) bool {
	span := trace.SpanFromContextSafe(ctx)

	if !c.ReadHardTry(ctx, in, env) {
		return false
	}

	if in.IsFrozen() {
		span.Debugf("write_soft_start %s frozen, waiting", in)
		in.parentDir().AddWaiter(dirWaitUnfreeze, waiter{env: env})
		return false
	}

	if in.IsSoftAsync() {
		// monotonic updates proceed wherever they land, unless the
		// authority pulled everything in for a read
		if !in.IsSyncByAuth() {
			return true
		}
	} else {
		if in.IsAuth() {
			if in.IsSyncByMe() || in.IsLockByMe() || !in.IsCachedByAnyone() {
				return true
			}
		} else {
			auth := in.Authority(c.cfg.Cluster)
			span.Debugf("write_soft_start %s normal replica, fw to auth mds%d", in, auth)
			assertf(auth != c.whoami(), "replica authority is myself on %d", in.Ino())
			c.forward(ctx, env, auth)
			return false
		}
	}

	return c.waitForSync(ctx, in, env)
}

func (c *Cache) WriteSoftFinish(ctx context.Context, in *Inode) {}

// waitForSync parks env until the needed sync state arrives, kicking the
// acquisition or the recall as appropriate.
func (c *Cache) waitForSync(ctx context.Context, in *Inode, env *proto.Envelope) bool {
	span := trace.SpanFromContextSafe(ctx)

	if !in.CanAuthPin() {
		span.Debugf("%s waiting to auth_pin", in)
		in.AddWaiter(waitAuthPinnable, waiter{env: env})
		return false
	}

	if in.IsAuth() {
		in.AddWaiter(waitSync, waiter{env: env})
		if !in.IsPreSync() {
			c.syncStart(ctx, in)
		}
	} else {
		in.AddWaiter(waitUnsync, waiter{env: env})
		assertf(in.IsSyncByAuth(), "waiting for unsync without syncbyauth on %d", in.Ino())
		if !in.IsWaitOnUnsync() {
			c.syncWait(ctx, in)
		}
	}
	return false
}

// syncWait marks a replica parked on the authority's sync and, under sticky,
// recalls it.
func (c *Cache) syncWait(ctx context.Context, in *Inode) {
	span := trace.SpanFromContextSafe(ctx)
	assertf(!in.IsAuth(), "sync_wait on authority for %d", in.Ino())
	assertf(in.IsSyncByAuth(), "sync_wait without syncbyauth on %d", in.Ino())
	assertf(!in.IsWaitOnUnsync(), "sync_wait twice on %d", in.Ino())

	auth := in.Authority(c.cfg.Cluster)
	span.Debugf("sync_wait on %s, auth mds%d", in, auth)

	in.Dist |= DistWaitOnUnsync
	in.Get(PinWaitOnUnsync)

	if (in.IsSoftAsync() && c.cfg.StickySyncSoftAsync) ||
		(!in.IsSoftAsync() && c.cfg.StickySyncNormal) {
		// sticky authority won't let go on its own; recall it
		span.Debugf("sync_wait on %s sticky, recalling from auth", in)
		c.send(ctx, proto.MDS(auth), &proto.InodeSyncRecall{Ino: in.Ino()})
	}
}

// syncStart begins the two-phase sync acquisition across cached_by.
func (c *Cache) syncStart(ctx context.Context, in *Inode) {
	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("sync_start on %s, waiting for %v", in, in.cachedByList())

	assertf(in.IsAuth(), "sync_start on replica %d", in.Ino())
	assertf(!in.IsPreSync(), "sync_start while presync on %d", in.Ino())
	assertf(!in.IsSyncByMe(), "sync_start while synced on %d", in.Ino())

	in.syncWaitingForAck = make(map[proto.NodeID]struct{}, len(in.CachedBy))
	for who := range in.CachedBy {
		in.syncWaitingForAck[who] = struct{}{}
	}
	in.Dist |= DistPreSync
	in.Get(PinPreSync)
	in.AuthPin()

	in.syncReplicaWantBack = false

	for who := range in.CachedBy {
		c.send(ctx, proto.MDS(who), &proto.InodeSyncStart{Ino: in.Ino(), Asker: c.whoami()})
	}
}

// syncRelease gives the sync back to the replicas.
func (c *Cache) syncRelease(ctx context.Context, in *Inode) {
	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("sync_release on %s, messages to %v", in, in.cachedByList())

	assertf(in.IsSyncByMe(), "sync_release without syncbyme on %d", in.Ino())
	assertf(in.IsAuth(), "sync_release on replica %d", in.Ino())

	in.AuthUnpin()
	in.Dist &^= DistSyncByMe

	for who := range in.CachedBy {
		c.send(ctx, proto.MDS(who), &proto.InodeSyncRelease{Ino: in.Ino()})
	}
}

// handleInodeSyncStart runs on a replica: the authority wants the sync.
func (c *Cache) handleInodeSyncStart(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.InodeSyncStart)

	in := c.GetInode(m.Ino)
	if in == nil {
		// raced an eviction; the authority uses this to shrink cached_by
		span.Debugf("sync_start %d: not cached any more, nak", m.Ino)
		c.send(ctx, proto.MDS(m.Asker), &proto.InodeSyncAck{Ino: m.Ino, DidHave: false})
		return
	}

	assertf(!in.IsAuth(), "sync_start arrived at authority for %d", m.Ino)

	if in.IsOpenWrite() {
		// forward the sync to writing clients; ack once they all ack
		span.Debugf("sync_start %s syncing write clients %v", in, in.OpenWrite)
		in.clientWaitForSync = make(map[int32]int, len(in.OpenWrite))
		for client, n := range in.OpenWrite {
			in.clientWaitForSync[client] = n
			c.send(ctx, proto.Client(client), &proto.InodeSyncStart{Ino: in.Ino(), Asker: c.whoami()})
		}
		in.pendingSyncRequest = env
		return
	}

	span.Debugf("sync_start %s, sending ack", in)
	c.inodeSyncAck(ctx, in, env, false)
}

// inodeSyncAck flags the replica synced and acks the authority with the
// latest soft metadata.
func (c *Cache) inodeSyncAck(ctx context.Context, in *Inode, env *proto.Envelope, wantback bool) {
	m := env.Msg.(*proto.InodeSyncStart)
	in.Dist |= DistSyncByAuth
	c.send(ctx, proto.MDS(m.Asker), &proto.InodeSyncAck{
		Ino:      in.Ino(),
		DidHave:  true,
		WantBack: wantback,
		HaveStat: true,
		Stat:     in.Stat,
	})
}

func (c *Cache) handleInodeSyncAck(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.InodeSyncAck)

	in := c.GetInode(m.Ino)
	assertf(in != nil, "sync_ack for unknown ino %d", m.Ino)

	if env.Source.IsClient() {
		client := env.Source.ID
		span.Debugf("sync_ack from client %d on %s", client, in)

		n, ok := in.clientWaitForSync[client]
		assertf(ok, "sync_ack from client %d not waited for on %d", client, in.Ino())
		if n > 1 {
			in.clientWaitForSync[client] = n - 1
		} else {
			delete(in.clientWaitForSync, client)
		}
		if len(in.clientWaitForSync) == 0 {
			pending := in.pendingSyncRequest
			in.pendingSyncRequest = nil
			c.inodeSyncAck(ctx, in, pending, true) // wantback
		} else {
			span.Debugf("sync_ack still need clients %v", in.clientWaitForSync)
		}
		return
	}

	span.Debugf("sync_ack %s from %+v", in, env.Source)
	assertf(in.IsAuth(), "sync_ack on replica %d", in.Ino())
	assertf(in.IsPreSync(), "sync_ack without presync on %d", in.Ino())

	from := env.Source.Node()
	delete(in.syncWaitingForAck, from)

	if !m.DidHave {
		in.CachedByRemove(from)
	}
	if m.WantBack {
		in.syncReplicaWantBack = true
	}
	if m.DidHave && m.HaveStat {
		// soft metadata is monotonic; fold in whatever is newest
		if m.Stat.Size > in.Stat.Size {
			in.Stat.Size = m.Stat.Size
		}
		if m.Stat.Mtime > in.Stat.Mtime {
			in.Stat.Mtime = m.Stat.Mtime
		}
		if m.Stat.Ctime > in.Stat.Ctime {
			in.Stat.Ctime = m.Stat.Ctime
		}
		if m.Stat.Atime > in.Stat.Atime {
			in.Stat.Atime = m.Stat.Atime
		}
	}

	if len(in.syncWaitingForAck) > 0 {
		span.Debugf("sync_ack %s, still waiting for %d acks", in, len(in.syncWaitingForAck))
		return
	}

	// last one
	in.Dist &^= DistPreSync
	in.Dist |= DistSyncByMe
	in.Put(PinPreSync)
	in.syncWaitingForAck = nil

	c.fire(ctx, in.TakeWaiting(waitSync))

	switch {
	case in.IsFreezing():
		// drop the auth-pin now so the freeze can finish
		span.Debugf("sync_ack freezing %s, dropping sync immediately", in)
		c.syncRelease(ctx, in)
	case in.syncReplicaWantBack:
		span.Debugf("sync_ack replica wantback, releasing immediately")
		c.syncRelease(ctx, in)
	case (in.IsSoftAsync() && !c.cfg.StickySyncSoftAsync) ||
		(!in.IsSoftAsync() && !c.cfg.StickySyncNormal):
		span.Debugf("sync_ack not sticky, releasing immediately")
		c.syncRelease(ctx, in)
	default:
		span.Debugf("sync_ack sticky, keeping sync")
	}
}

func (c *Cache) handleInodeSyncRelease(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.InodeSyncRelease)

	in := c.GetInode(m.Ino)
	if in == nil {
		span.Debugf("sync_release %d, don't have it, dropping", m.Ino)
		return
	}

	// a release without a preceding start is a protocol bug
	assertf(in.IsSyncByAuth(), "sync_release on %d which is not syncbyauth", m.Ino)
	assertf(!in.IsAuth(), "sync_release arrived at authority for %d", m.Ino)
	span.Debugf("sync_release %s", in)

	in.Dist &^= DistSyncByAuth

	if in.IsWaitOnUnsync() {
		in.Put(PinWaitOnUnsync)
		in.Dist &^= DistWaitOnUnsync
		c.fire(ctx, in.TakeWaiting(waitUnsync))
	}

	if in.IsOpenWrite() {
		span.Debugf("sync_release releasing clients %v", in.OpenWrite)
		for client := range in.OpenWrite {
			c.send(ctx, proto.Client(client), &proto.InodeSyncRelease{Ino: in.Ino()})
		}
	}
}

func (c *Cache) handleInodeSyncRecall(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.InodeSyncRecall)

	in := c.GetInode(m.Ino)
	if in == nil {
		span.Debugf("sync_recall %d, don't have it, dropping", m.Ino)
		return
	}
	if !in.IsSyncByMe() {
		span.Debugf("sync_recall %d, not synced, dropping", m.Ino)
		return
	}

	span.Debugf("sync_recall %s, releasing", in)
	assertf(in.IsAuth(), "sync_recall on replica %d", in.Ino())
	c.syncRelease(ctx, in)
}
