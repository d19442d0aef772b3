package mdcache

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/mdcache/proto"
)

// replicaSnapshot captures what a peer needs to instantiate a replica of in.
func (c *Cache) replicaSnapshot(in *Inode) proto.DiscoverRec {
	rec := proto.DiscoverRec{
		Stat:       in.Stat,
		DirAuth:    in.DirAuth,
		CachedBy:   in.cachedByList(),
		SyncByAuth: in.IsSyncByMe(),
		SoftAsync:  in.IsSoftAsync(),
		LockByAuth: in.IsLockByMe(),
	}
	if in.Dir != nil {
		rec.DirRep = in.Dir.dirRep
		for who := range in.Dir.dirRepBy {
			rec.DirRepBy = append(rec.DirRepBy, who)
		}
	}
	return rec
}

// installReplica builds a local replica from a discover record. It always
// builds a fresh inode; the reply handler skips dentries that are already
// linked, so a replayed trace does not install a second copy.
func (c *Cache) installReplica(rec *proto.DiscoverRec) *Inode {
	in := newInode(rec.Stat)
	in.Auth = false
	in.DirAuth = rec.DirAuth
	for _, who := range rec.CachedBy {
		in.CachedByAdd(who)
	}
	in.CachedByAdd(c.whoami())

	if in.IsDir() {
		in.Dir = newDir(in)
		assertf(!in.Dir.IsAuth(), "replica dir %d must not be auth", in.Ino())
		in.Dir.dirRep = rec.DirRep
		for _, who := range rec.DirRepBy {
			in.Dir.dirRepBy[who] = struct{}{}
		}
	}

	if rec.SyncByAuth {
		in.Dist |= DistSyncByAuth
	}
	if rec.SoftAsync {
		in.Dist |= DistSoftAsync
	}
	if rec.LockByAuth {
		in.Dist |= DistLockByAuth
	}
	return in
}

func (c *Cache) handleDiscover(ctx context.Context, env *proto.Envelope) {
	dis := env.Msg.(*proto.Discover)
	if dis.Asker == c.whoami() {
		c.handleDiscoverReply(ctx, env, dis)
	} else {
		c.handleDiscoverRequest(ctx, env, dis)
	}
}

func (c *Cache) handleDiscoverReply(ctx context.Context, env *proto.Envelope, dis *proto.Discover) {
	span := trace.SpanFromContextSafe(ctx)

	if dis.JustRoot {
		if c.root != nil {
			span.Debugf("got root reply but root already open, dropping")
			return
		}
		assertf(len(dis.Trace) == 1, "just-root reply with %d records", len(dis.Trace))
		span.Debugf("got root")

		root := c.installReplica(&dis.Trace[0])
		c.setRoot(root)
		c.openingRoot = false

		ws := c.waitingForRoot
		c.waitingForRoot = nil
		c.fire(ctx, ws)
		return
	}

	trav, status, err := c.PathTraverse(ctx, dis.BasePath, nil, TravFail)
	if status == TravDeferred || err != nil {
		span.Debugf("discover result for %q no longer in cache, dropping", dis.BasePath)
		return
	}
	cur := trav[len(trav)-1]

	for i := range dis.Trace {
		name := dis.Want[i]
		c.openDir(cur)

		var in *Inode
		if dn := cur.Dir.Lookup(name); dn != nil {
			// parallel discovers already brought it in
			span.Debugf("already had %q", name)
			in = dn.Inode
		} else {
			dauth := cur.Dir.DentryAuthority(name, c.cfg.Cluster)
			if dauth == c.whoami() {
				// ours but not loaded: readdir and retry the whole reply
				span.Debugf("discover result has our dentry %q we don't have, fetching", name)
				c.fetchDir(ctx, cur, waiter{env: env})
				return
			}

			in = c.installReplica(&dis.Trace[i])
			c.AddInode(in)
			if err := c.LinkInode(cur, name, in); err != nil {
				span.Errorf("link discovered %q failed: %s", name, err)
				return
			}
			span.Debugf("discover assimilating %s", in)
		}

		c.fire(ctx, cur.Dir.TakeDentryWaiting(name))
		cur = in
	}
}

func (c *Cache) handleDiscoverRequest(ctx context.Context, env *proto.Envelope, dis *proto.Discover) {
	span := trace.SpanFromContextSafe(ctx)

	if c.root == nil {
		if c.whoami() != 0 {
			span.Debugf("no root, passing discover to rank 0")
			c.forward(ctx, env, 0)
		} else {
			c.OpenRoot(ctx, func() { c.HandleEnvelope(ctx, env) })
		}
		return
	}

	trav, status, err := c.PathTraverse(ctx, dis.CurrentBase(), env, TravForward)
	if status == TravDeferred {
		return
	}
	if err != nil {
		span.Warnf("discover base %q failed here: %s, dropping", dis.CurrentBase(), err)
		return
	}
	cur := trav[len(trav)-1]

	if dis.JustRoot {
		root := c.root
		dis.Trace = append(dis.Trace, c.replicaSnapshot(root))
		root.CachedByAdd(dis.Asker)
		c.send(ctx, proto.MDS(dis.Asker), dis)
		return
	}

	haveAdded := len(dis.Trace) > 0
	for !dis.Done() {
		assertf(cur.IsDir(), "discover descended into non-dir %d", cur.Ino())
		c.openDir(cur)

		next := dis.NextDentry()
		dauth := cur.Dir.DentryAuthority(next, c.cfg.Cluster)
		if dauth != c.whoami() {
			if haveAdded {
				// return partial results
				c.send(ctx, proto.MDS(dis.Asker), dis)
			} else {
				c.forward(ctx, env, dauth)
			}
			return
		}

		// frozen: no longer able to hand out replicas until thawed
		if cur.Dir.IsFrozen() {
			span.Debugf("dir %d frozen, discover waits", cur.Ino())
			cur.Dir.AddWaiter(dirWaitUnfreeze, waiter{env: env})
			return
		}

		dn := cur.Dir.Lookup(next)
		if dn == nil {
			// the asker only discovers names that exist somewhere; a
			// complete dir without the dentry is a protocol bug
			assertf(!cur.Dir.IsComplete(), "discover of %q in complete dir %d", next, cur.Ino())
			span.Debugf("incomplete dir %d, fetching for discover", cur.Ino())
			c.fetchDir(ctx, cur, waiter{env: env})
			return
		}

		span.Debugf("discover adding %s for mds%d", dn.Inode, dis.Asker)
		dis.Trace = append(dis.Trace, c.replicaSnapshot(dn.Inode))
		haveAdded = true
		dn.Inode.CachedByAdd(dis.Asker)
		cur = dn.Inode
	}

	c.send(ctx, proto.MDS(dis.Asker), dis)
}

func (c *Cache) handleInodeGetReplica(ctx context.Context, env *proto.Envelope) {
	m := env.Msg.(*proto.InodeGetReplica)
	in := c.GetInode(m.Ino)
	assertf(in != nil, "get_replica for unknown ino %d", m.Ino)

	in.CachedByAdd(env.Source.Node())
	c.send(ctx, env.Source, &proto.InodeGetReplicaAck{Ino: in.Ino()})
}

func (c *Cache) handleInodeGetReplicaAck(ctx context.Context, env *proto.Envelope) {
	m := env.Msg.(*proto.InodeGetReplicaAck)
	in := c.GetInode(m.Ino)
	assertf(in != nil, "get_replica_ack for unknown ino %d", m.Ino)

	c.fire(ctx, in.TakeWaiting(waitGetReplica))
}
