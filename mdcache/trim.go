package mdcache

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/mdcache/proto"
)

// Trim evicts LRU entries until the cache is at most max inodes (max < 0
// means the configured limit). Expired replicas notify their authority; an
// import emptied by trimming is re-exported to its inode authority.
func (c *Cache) Trim(ctx context.Context, max int) bool {
	span := trace.SpanFromContextSafe(ctx)

	if max < 0 {
		max = c.lru.Max()
		if max == 0 {
			return false
		}
	}

	for c.lru.Size() > max {
		in := c.lru.Expire()
		if in == nil {
			return false
		}

		auth := in.Authority(c.cfg.Cluster)
		if auth != c.whoami() {
			span.Debugf("sending inode_expire to mds%d on %s", auth, in)
			c.send(ctx, proto.MDS(auth), &proto.InodeExpire{Ino: in.Ino(), From: c.whoami()})
		}

		var idir *Inode
		if in.Parent != nil {
			idir = in.Parent.Dir.inode
		}

		span.Debugf("trim deleting %s", in)
		// Expire already unlinked it from the LRU; RemoveInode tolerates
		// that and detaches the rest
		c.RemoveInode(in)

		if idir == nil {
			span.Debugf("that was root")
			continue
		}

		// the dir no longer holds everything
		idir.Dir.StateClear(DirStateComplete)

		if _, isImport := c.imports[idir]; isImport &&
			idir.Dir.Size() == 0 &&
			!idir.IsRoot() &&
			!idir.Dir.IsFreezing() && !idir.Dir.IsFrozen() {

			dest := idir.Authority(c.cfg.Cluster)
			if c.shuttingDown {
				dest = 0 // drain everything toward rank 0
			}
			if dest != c.whoami() {
				span.Debugf("trimmed parent dir is a now-empty import; re-exporting to mds%d", dest)
				if err := c.ExportDir(ctx, idir, dest); err != nil {
					span.Warnf("re-export of empty import %d failed: %s", idir.Ino(), err)
				}
			}
		}
	}
	return true
}

func (c *Cache) handleInodeExpire(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.InodeExpire)
	from := m.From

	in := c.GetInode(m.Ino)
	if in == nil {
		span.Debugf("inode_expire on %d from mds%d, don't have it", m.Ino, from)
		c.expireForward(ctx, env, m)
		return
	}

	if auth := in.Authority(c.cfg.Cluster); auth != c.whoami() {
		span.Debugf("inode_expire on %s, not mine", in)
		c.expireForward(ctx, env, m)
		return
	}

	if !in.IsCachedBy(from) {
		span.Debugf("inode_expire on %s from mds%d, but they're not in cached_by", in, from)
		return
	}

	in.CachedByRemove(from)
	span.Debugf("inode_expire on %s from mds%d, cached_by now %v", in, from, in.cachedByList())
}

// expireForward hops an expire toward the authority, bounded by the cluster
// size; soft expires are fire-and-forget.
func (c *Cache) expireForward(ctx context.Context, env *proto.Envelope, m *proto.InodeExpire) {
	span := trace.SpanFromContextSafe(ctx)

	if m.Soft {
		span.Debugf("soft inode_expire on %d, dropping", m.Ino)
		return
	}
	if int(m.Hops) > c.cfg.Cluster.Size() {
		span.Debugf("inode_expire on %d exceeded hop limit, dropping", m.Ino)
		return
	}

	m.Hops++
	next := c.whoami() + 1
	if int(next) >= c.cfg.Cluster.Size() {
		next = 0
	}
	span.Debugf("forwarding inode_expire on %d to mds%d, hops %d", m.Ino, next, m.Hops)
	c.send(ctx, proto.MDS(next), m)
	c.stats.Iupfw.Inc()
}

// sendInodeUpdates pushes basic inode state to every replica holder.
func (c *Cache) sendInodeUpdates(ctx context.Context, in *Inode) {
	span := trace.SpanFromContextSafe(ctx)
	for who := range in.CachedBy {
		span.Debugf("sending inode_update on %s to mds%d", in, who)
		assertf(who != c.whoami(), "cached_by of %d contains myself", in.Ino())
		c.send(ctx, proto.MDS(who), &proto.InodeUpdate{
			Stat:     in.Stat,
			DirAuth:  in.DirAuth,
			CachedBy: in.cachedByList(),
		})
	}
}

func (c *Cache) handleInodeUpdate(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.InodeUpdate)

	in := c.GetInode(m.Stat.Ino)
	if in == nil {
		// stale replica state; tell the sender to forget us
		span.Debugf("inode_update on %d, don't have it, sending expire", m.Stat.Ino)
		c.send(ctx, env.Source, &proto.InodeExpire{Ino: m.Stat.Ino, From: c.whoami(), Soft: true})
		return
	}

	if in.Authority(c.cfg.Cluster) == c.whoami() {
		span.Debugf("inode_update on %s, but i'm the authority, dropping", in)
		return
	}

	assertf(!in.IsFrozen(), "inode_update on frozen %d", in.Ino())

	// keep the old dir_auth if the update would flip our local verdict of
	// who owns the subtree; such updates are stale routing noise
	oldDirAuth := in.DirAuth
	wasOurs := in.DirAuthority(c.cfg.Cluster) == c.whoami()

	in.Stat = m.Stat
	in.DirAuth = m.DirAuth
	in.CachedByClear()
	for _, who := range m.CachedBy {
		in.CachedByAdd(who)
	}

	isOurs := in.DirAuthority(c.cfg.Cluster) == c.whoami()
	if wasOurs != isOurs {
		in.DirAuth = oldDirAuth
	}
	span.Debugf("inode_update on %s, dir_auth %d (was %d)", in, in.DirAuth, oldDirAuth)
}

// sendDirUpdates pushes a dir's replication policy to its replica holders.
func (c *Cache) sendDirUpdates(ctx context.Context, dir *Dir, except proto.NodeID) {
	var repBy []proto.NodeID
	for who := range dir.dirRepBy {
		repBy = append(repBy, who)
	}
	for who := range dir.inode.CachedBy {
		if who == c.whoami() || who == except {
			continue
		}
		c.send(ctx, proto.MDS(who), &proto.DirUpdate{
			Ino:      dir.inode.Ino(),
			DirRep:   dir.dirRep,
			DirRepBy: repBy,
		})
	}
}

// SetDirRep changes a directory's replication policy and spreads it.
func (c *Cache) SetDirRep(ctx context.Context, in *Inode, rep proto.DirRep, repBy []proto.NodeID) {
	d := c.openDir(in)
	d.dirRep = rep
	d.dirRepBy = make(map[proto.NodeID]struct{}, len(repBy))
	for _, who := range repBy {
		d.dirRepBy[who] = struct{}{}
	}
	c.sendDirUpdates(ctx, d, proto.AuthParent)
}

func (c *Cache) handleDirUpdate(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.DirUpdate)

	in := c.GetInode(m.Ino)
	if in == nil {
		span.Debugf("dir_update on %d, don't have it", m.Ino)
		return
	}
	if in.Dir == nil {
		span.Debugf("dropping dir_update on %d, no dir open", m.Ino)
		return
	}

	span.Debugf("dir_update on %d", m.Ino)
	in.Dir.dirRep = m.DirRep
	in.Dir.dirRepBy = make(map[proto.NodeID]struct{}, len(m.DirRepBy))
	for _, who := range m.DirRepBy {
		in.Dir.dirRepBy[who] = struct{}{}
	}
}
