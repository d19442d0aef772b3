package mdcache

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/mdcache/proto"
)

// ReadHardTry gates access to hard metadata for reads; always true on the
// authority, parked on a replica while the authority holds the lock.
func (c *Cache) ReadHardTry(ctx context.Context, in *Inode, env *proto.Envelope) bool {
	if in.IsAuth() {
		return true
	}
	if in.IsLockByAuth() {
		span := trace.SpanFromContextSafe(ctx)
		span.Debugf("read_hard_try waiting on %s", in)
		in.AddWaiter(waitUnlock, waiter{env: env})
		if !in.IsWaitOnUnlock() {
			c.inodeLockWait(ctx, in)
		}
		return false
	}
	return true
}

// WriteHardStart gates a hard write (chmod, chown); it must run on the
// authority and acquires the two-phase lock across cached_by first. Every
// true return must be paired with WriteHardFinish.
func (c *Cache) WriteHardStart(ctx context.Context, in *Inode, env *proto.Envelope) bool {
	span := trace.SpanFromContextSafe(ctx)

	// only the authority can initiate a lock, and not while frozen
	if in.IsFrozen() {
		span.Debugf("write_hard_start %s frozen, waiting", in)
		in.parentDir().AddWaiter(dirWaitUnfreeze, waiter{env: env})
		return false
	}

	if !in.IsAuth() {
		auth := in.Authority(c.cfg.Cluster)
		span.Debugf("write_hard_start %s on replica, fw to auth mds%d", in, auth)
		assertf(auth != c.whoami(), "replica authority is myself on %d", in.Ino())
		c.forward(ctx, env, auth)
		return false
	}

	if in.IsLockByMe() || !in.IsCachedByAnyone() {
		in.lockActiveCount++
		return true
	}

	if !in.CanAuthPin() {
		span.Debugf("write_hard_start %s waiting to auth_pin", in)
		in.AddWaiter(waitAuthPinnable, waiter{env: env})
		return false
	}

	in.AddWaiter(waitLock, waiter{env: env})
	in.lockActiveCount++

	if !in.IsPreLock() {
		c.inodeLockStart(ctx, in)
	}
	return false
}

// WriteHardFinish releases the lock when the last active writer drains,
// unless sticky-lock keeps it.
func (c *Cache) WriteHardFinish(ctx context.Context, in *Inode) {
	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("write_hard_finish %s count %d", in, in.lockActiveCount)

	assertf(in.lockActiveCount > 0, "write_hard_finish without start on %d", in.Ino())
	in.lockActiveCount--

	if in.lockActiveCount == 0 && in.IsLockByMe() && !c.cfg.StickyLock {
		span.Debugf("write_hard_finish %s not sticky, releasing lock", in)
		c.inodeLockRelease(ctx, in)
	}
}

func (c *Cache) inodeLockStart(ctx context.Context, in *Inode) {
	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("lock_start on %s, waiting for %v", in, in.cachedByList())

	assertf(in.IsAuth(), "lock_start on replica %d", in.Ino())
	assertf(!in.IsPreLock(), "lock_start while prelock on %d", in.Ino())
	assertf(!in.IsLockByMe(), "lock_start while locked on %d", in.Ino())
	assertf(!in.IsLockByAuth(), "lock_start while lockbyauth on %d", in.Ino())

	in.lockWaitingForAck = make(map[proto.NodeID]struct{}, len(in.CachedBy))
	for who := range in.CachedBy {
		in.lockWaitingForAck[who] = struct{}{}
	}
	in.Dist |= DistPreLock
	in.Get(PinPreLock)
	in.AuthPin()

	for who := range in.CachedBy {
		c.send(ctx, proto.MDS(who), &proto.InodeLockStart{Ino: in.Ino(), Asker: c.whoami()})
	}
}

func (c *Cache) inodeLockRelease(ctx context.Context, in *Inode) {
	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("lock_release on %s, messages to %v", in, in.cachedByList())

	assertf(in.IsLockByMe(), "lock_release without lockbyme on %d", in.Ino())
	assertf(in.IsAuth(), "lock_release on replica %d", in.Ino())

	in.AuthUnpin()
	in.Dist &^= DistLockByMe

	for who := range in.CachedBy {
		c.send(ctx, proto.MDS(who), &proto.InodeLockRelease{Ino: in.Ino()})
	}
}

func (c *Cache) inodeLockWait(ctx context.Context, in *Inode) {
	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("lock_wait on %s", in)

	assertf(!in.IsAuth(), "lock_wait on authority %d", in.Ino())
	assertf(in.IsLockByAuth(), "lock_wait without lockbyauth on %d", in.Ino())

	in.Dist |= DistWaitOnUnlock
	in.Get(PinWaitOnUnlock)
}

// handleInodeLockStart runs on a replica: the authority wants the lock.
func (c *Cache) handleInodeLockStart(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.InodeLockStart)

	in := c.GetInode(m.Ino)
	if in == nil {
		span.Debugf("lock_start %d: not cached any more, nak", m.Ino)
		c.send(ctx, proto.MDS(m.Asker), &proto.InodeLockAck{Ino: m.Ino, DidHave: false})
		return
	}

	assertf(!in.IsAuth(), "lock_start arrived at authority for %d", m.Ino)
	span.Debugf("lock_start %s, sending ack", in)

	in.Dist |= DistLockByAuth
	c.send(ctx, proto.MDS(m.Asker), &proto.InodeLockAck{Ino: in.Ino(), DidHave: true})
}

func (c *Cache) handleInodeLockAck(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.InodeLockAck)
	from := env.Source.Node()

	in := c.GetInode(m.Ino)
	assertf(in != nil, "lock_ack for unknown ino %d", m.Ino)
	span.Debugf("lock_ack from mds%d on %s", from, in)

	assertf(in.IsAuth(), "lock_ack on replica %d", in.Ino())
	assertf(in.IsPreLock(), "lock_ack without prelock on %d", in.Ino())

	delete(in.lockWaitingForAck, from)
	if !m.DidHave {
		in.CachedByRemove(from)
	}

	if len(in.lockWaitingForAck) > 0 {
		span.Debugf("lock_ack %s, still waiting for %d acks", in, len(in.lockWaitingForAck))
		return
	}

	in.Dist &^= DistPreLock
	in.Dist |= DistLockByMe
	in.Put(PinPreLock)
	in.lockWaitingForAck = nil

	ws := in.TakeWaiting(waitLock)
	for range ws {
		// each parked writer re-enters WriteHardStart and recounts itself
		in.lockActiveCount--
	}
	c.fire(ctx, ws)
}

func (c *Cache) handleInodeLockRelease(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.InodeLockRelease)

	in := c.GetInode(m.Ino)
	if in == nil {
		span.Debugf("lock_release %d, don't have it, dropping", m.Ino)
		return
	}

	// i should have it locked, or not have it at all
	assertf(in.IsLockByAuth(), "lock_release on %d which is not lockbyauth", m.Ino)
	assertf(!in.IsAuth(), "lock_release arrived at authority for %d", m.Ino)
	span.Debugf("lock_release %s", in)

	in.Dist &^= DistLockByAuth

	if in.IsWaitOnUnlock() {
		in.Put(PinWaitOnUnlock)
		in.Dist &^= DistWaitOnUnlock
		c.fire(ctx, in.TakeWaiting(waitUnlock))
	}
}
