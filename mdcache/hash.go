package mdcache

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
)

// Hashing converts a directory between single-authority and hash-sharded
// forms. It reuses the freeze primitives and the import dentry decoder and
// is structurally the export protocol turned inside out: every peer gets its
// hash share, unhash pulls the shares back.

func (c *Cache) dropSyncInDir(ctx context.Context, dir *Dir) {
	span := trace.SpanFromContextSafe(ctx)
	for _, name := range dir.sortedNames() {
		in := dir.items[name].Inode
		if in.IsAuth() && in.IsSyncByMe() {
			span.Debugf("dropping sticky sync on %s", in)
			c.syncRelease(ctx, in)
		}
	}
}

// HashDir shards dir's entries across the cluster by name hash.
func (c *Cache) HashDir(ctx context.Context, in *Inode) error {
	span := trace.SpanFromContextSafe(ctx)
	dir := c.openDir(in)

	assertf(!dir.IsHashing(), "hash_dir of already hashing %d", in.Ino())
	assertf(!dir.IsHashed(), "hash_dir of already hashed %d", in.Ino())
	assertf(dir.IsAuth(), "hash_dir of non-auth %d", in.Ino())

	if dir.IsFrozen() || dir.IsFreezing() {
		span.Debugf("can't hash %d, freezing|frozen", in.Ino())
		return errors.ErrExportBusy
	}

	span.Debugf("hash_dir %s", in)
	dir.StateSet(DirStateHashing)

	dir.FreezeDir(func() { c.hashDirFinish(ctx, dir) })

	if !dir.IsComplete() {
		span.Debugf("hash_dir %d not complete, fetching", in.Ino())
		c.fetchDir(ctx, in, waiter{fn: func() { c.hashDirComplete(ctx, dir) }})
	} else {
		c.hashDirComplete(ctx, dir)
	}

	if c.cfg.StickySyncNormal || c.cfg.StickySyncSoftAsync {
		c.dropSyncInDir(ctx, dir)
	}
	return nil
}

func (c *Cache) hashDirComplete(ctx context.Context, dir *Dir) {
	if !dir.IsHashing() {
		return // finish already ran
	}

	// pin my share in cache
	for _, name := range dir.sortedNames() {
		in := dir.items[name].Inode
		if c.cfg.Cluster.HashDentry(dir.inode.Ino(), name) == c.whoami() {
			in.MarkDirty()
		}
	}
	c.hashDirFinish(ctx, dir)
}

func (c *Cache) hashDirFinish(ctx context.Context, dir *Dir) {
	span := trace.SpanFromContextSafe(ctx)
	if !dir.IsHashing() {
		return // finish already ran
	}
	assertf(dir.IsAuth(), "hash_dir_finish of non-auth %d", dir.inode.Ino())

	if !dir.IsFrozenDir() {
		span.Debugf("hash_dir_finish %d not frozen yet", dir.inode.Ino())
		return
	}
	if !dir.IsComplete() {
		span.Debugf("hash_dir_finish %d not complete yet", dir.inode.Ino())
		return
	}

	span.Debugf("hash_dir_finish %s", dir.inode)

	path := c.MakePath(dir.inode)
	n := c.cfg.Cluster.Size()
	shares := make([]*proto.BlobWriter, n)
	for i := range shares {
		shares[i] = proto.NewBlobWriter()
	}

	for _, name := range dir.sortedNames() {
		in := dir.items[name].Inode

		code := c.cfg.Cluster.HashDentry(dir.inode.Ino(), name)
		if code == c.whoami() {
			continue // still mine
		}

		in.Version++

		// children of the departing entry stay explicitly mine
		if in.DirAuth == proto.AuthParent {
			in.DirAuth = c.whoami()
		}

		st := c.inodeExportState(in)
		shares[code].Dentry(name, &st)

		if in.IsDirty() {
			in.MarkClean()
		}
		in.CachedByClear()
		assertf(in.Auth, "hashing away non-auth inode %d", in.Ino())
		in.Auth = false
	}

	waiting := make(map[proto.NodeID]struct{}, n-1)
	for i := 0; i < n; i++ {
		who := proto.NodeID(i)
		if who != c.whoami() {
			c.send(ctx, proto.MDS(who), &proto.HashDir{Path: path, Blob: shares[i].Bytes()})
			waiting[who] = struct{}{}
		}
		shares[i].Free()
	}
	c.hashWaiting[dir] = waiting

	// inode flips to hashed form
	dir.inode.Stat.Kind = proto.KindHashedDir
	if dir.inode.IsAuth() {
		dir.inode.MarkDirty()
	}

	dir.StateSet(DirStateHashed)
	dir.StateClear(DirStateHashing)
	dir.MarkDirty()

	c.unfreezeDir(ctx, dir)
}

// handleHashDir runs on every peer: assimilate my hash share.
func (c *Cache) handleHashDir(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.HashDir)

	trav, status, err := c.PathTraverse(ctx, m.Path, env, TravDiscover)
	if status == TravDeferred {
		return
	}
	if err != nil {
		span.Warnf("hash_dir traverse %q failed: %s, dropping", m.Path, err)
		return
	}
	idir := trav[len(trav)-1]
	dir := c.openDir(idir)

	span.Debugf("handle_hash_dir %s", idir)
	assertf(!dir.IsAuth(), "hash share arrived at authority %d", idir.Ino())
	assertf(!dir.IsHashed(), "hash share for already hashed %d", idir.Ino())

	dir.StateSet(DirStateHashing)

	oldauth := env.Source.Node()
	br := proto.NewBlobReader(m.Blob)
	for br.More() {
		in := c.importDentryInode(ctx, br, dir, oldauth, idir)
		in.MarkDirty() // pin in cache
	}
	assertf(br.Err() == nil, "corrupt hash share for %d: %v", idir.Ino(), br.Err())

	dir.StateClear(DirStateHashing)
	dir.StateSet(DirStateHashed)

	// my share is all of my slice of the dir
	dir.MarkComplete()
	dir.MarkDirty()

	idir.Stat.Kind = proto.KindHashedDir
	if idir.IsAuth() {
		idir.MarkDirty()
	}

	c.send(ctx, env.Source, &proto.HashDirAck{Ino: idir.Ino()})
}

func (c *Cache) handleHashDirAck(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.HashDirAck)

	in := c.GetInode(m.Ino)
	assertf(in != nil && in.Dir != nil, "hash_dir_ack for unknown dir %d", m.Ino)

	waiting := c.hashWaiting[in.Dir]
	assertf(waiting != nil, "hash_dir_ack for %d without outstanding hash", m.Ino)
	delete(waiting, env.Source.Node())
	if len(waiting) == 0 {
		delete(c.hashWaiting, in.Dir)
		span.Debugf("hash of %d acknowledged by all peers", m.Ino)
	}
}

// UnhashDir pulls a hashed directory back under single authority.
func (c *Cache) UnhashDir(ctx context.Context, in *Inode) error {
	span := trace.SpanFromContextSafe(ctx)
	dir := c.openDir(in)

	assertf(dir.IsHashed(), "unhash_dir of non-hashed %d", in.Ino())
	assertf(!dir.IsUnhashing(), "unhash_dir of already unhashing %d", in.Ino())
	assertf(dir.IsAuth(), "unhash_dir of non-auth %d", in.Ino())

	if dir.IsFrozen() || dir.IsFreezing() {
		span.Debugf("can't unhash %d, freezing|frozen", in.Ino())
		return errors.ErrExportBusy
	}

	span.Debugf("unhash_dir %s", in)
	dir.StateSet(DirStateUnhashing)

	// pull shares from every peer; record the waits before the freeze can
	// complete underneath us
	path := c.MakePath(in)
	waiting := make(map[proto.NodeID]struct{})
	for i := 0; i < c.cfg.Cluster.Size(); i++ {
		who := proto.NodeID(i)
		if who == c.whoami() {
			continue
		}
		c.send(ctx, proto.MDS(who), &proto.UnhashDir{Path: path})
		waiting[who] = struct{}{}
	}
	c.unhashWaiting[dir] = waiting

	dir.FreezeDir(func() { c.unhashDirFinish(ctx, dir) })

	if !dir.IsComplete() {
		span.Debugf("unhash_dir %d not complete, fetching", in.Ino())
		c.fetchDir(ctx, in, waiter{fn: func() { c.unhashDirComplete(ctx, dir) }})
	} else {
		c.unhashDirComplete(ctx, dir)
	}

	if c.cfg.StickySyncNormal || c.cfg.StickySyncSoftAsync {
		c.dropSyncInDir(ctx, dir)
	}
	return nil
}

func (c *Cache) unhashDirComplete(ctx context.Context, dir *Dir) {
	if !dir.IsUnhashing() {
		return // finish already ran
	}
	// pin my own share while peers stream theirs back
	for _, name := range dir.sortedNames() {
		in := dir.items[name].Inode
		if c.cfg.Cluster.HashDentry(dir.inode.Ino(), name) == c.whoami() {
			in.MarkDirty()
		}
	}
	c.unhashDirFinish(ctx, dir)
}

func (c *Cache) unhashDirFinish(ctx context.Context, dir *Dir) {
	span := trace.SpanFromContextSafe(ctx)

	if !dir.IsUnhashing() {
		return // finish already ran
	}
	if !dir.IsFrozenDir() {
		span.Debugf("unhash_dir_finish %d still waiting for freeze", dir.inode.Ino())
		return
	}
	if !dir.IsComplete() {
		span.Debugf("unhash_dir_finish %d still waiting for complete", dir.inode.Ino())
		return
	}
	if len(c.unhashWaiting[dir]) > 0 {
		span.Debugf("unhash_dir_finish %d still waiting for acks", dir.inode.Ino())
		return
	}
	delete(c.unhashWaiting, dir)

	span.Debugf("unhash_dir_finish %s", dir.inode)

	dir.StateClear(DirStateHashed)
	dir.StateClear(DirStateUnhashing)
	dir.MarkDirty()
	dir.MarkComplete()

	dir.inode.Stat.Kind = proto.KindDir
	dir.inode.MarkDirty()

	c.unfreezeDir(ctx, dir)
}

// handleUnhashDir runs on a peer holding a hash share: freeze, complete, and
// ship the share back to the authority.
func (c *Cache) handleUnhashDir(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.UnhashDir)

	trav, status, err := c.PathTraverse(ctx, m.Path, env, TravDiscover)
	if status == TravDeferred {
		return
	}
	if err != nil {
		span.Warnf("unhash_dir traverse %q failed: %s, dropping", m.Path, err)
		return
	}
	idir := trav[len(trav)-1]
	dir := c.openDir(idir)

	span.Debugf("handle_unhash_dir %s", idir)
	assertf(dir.IsHashed(), "unhash request for non-hashed %d", idir.Ino())

	auth := env.Source.Node()
	dir.StateSet(DirStateUnhashing)

	dir.FreezeDir(func() { c.handleUnhashDirFinish(ctx, dir, auth) })

	if !dir.IsComplete() {
		span.Debugf("handle_unhash_dir %d not complete, fetching", idir.Ino())
		c.fetchDir(ctx, idir, waiter{fn: func() { c.handleUnhashDirComplete(ctx, dir, auth) }})
	} else {
		c.handleUnhashDirComplete(ctx, dir, auth)
	}

	if c.cfg.StickySyncNormal || c.cfg.StickySyncSoftAsync {
		c.dropSyncInDir(ctx, dir)
	}
}

func (c *Cache) handleUnhashDirComplete(ctx context.Context, dir *Dir, auth proto.NodeID) {
	if !dir.IsUnhashing() {
		return // finish already ran
	}
	for _, name := range dir.sortedNames() {
		in := dir.items[name].Inode
		if c.cfg.Cluster.HashDentry(dir.inode.Ino(), name) == c.whoami() {
			in.MarkDirty()
		}
	}
	c.handleUnhashDirFinish(ctx, dir, auth)
}

func (c *Cache) handleUnhashDirFinish(ctx context.Context, dir *Dir, auth proto.NodeID) {
	span := trace.SpanFromContextSafe(ctx)
	if !dir.IsUnhashing() || !dir.IsHashed() {
		return // finish already ran
	}

	if !dir.IsComplete() {
		span.Debugf("still waiting for complete on %d", dir.inode.Ino())
		return
	}
	if !dir.IsFrozenDir() {
		span.Debugf("still waiting for frozen on %d", dir.inode.Ino())
		return
	}

	span.Debugf("handle_unhash_dir_finish %s", dir.inode)

	bw := proto.NewBlobWriter()
	for _, name := range dir.sortedNames() {
		in := dir.items[name].Inode

		if c.cfg.Cluster.HashDentry(dir.inode.Ino(), name) != c.whoami() {
			continue // not my share
		}

		in.Version++

		st := c.inodeExportState(in)
		bw.Dentry(name, &st)

		if in.DirAuth == auth {
			in.DirAuth = proto.AuthParent
		}

		if in.IsDirty() {
			in.MarkClean()
		}
		in.CachedByClear()
		assertf(in.Auth, "unhashing away non-auth inode %d", in.Ino())
		in.Auth = false
	}

	c.send(ctx, proto.MDS(auth), &proto.UnhashDirAck{Ino: dir.inode.Ino(), Blob: bw.Bytes()})
	bw.Free()

	dir.inode.Stat.Kind = proto.KindDir
	if dir.inode.IsAuth() {
		dir.inode.MarkDirty()
	}

	dir.StateClear(DirStateHashed)
	dir.StateClear(DirStateUnhashing)
	dir.MarkClean() // it's not mine any more

	c.unfreezeDir(ctx, dir)
}

// handleUnhashDirAck runs on the authority: reassimilate one peer's share.
func (c *Cache) handleUnhashDirAck(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.UnhashDirAck)

	idir := c.GetInode(m.Ino)
	assertf(idir != nil && idir.Dir != nil, "unhash_dir_ack for unknown dir %d", m.Ino)
	dir := idir.Dir
	assertf(dir.IsAuth(), "unhash_dir_ack on non-auth %d", m.Ino)
	assertf(dir.IsHashed(), "unhash_dir_ack on non-hashed %d", m.Ino)
	assertf(dir.IsUnhashing(), "unhash_dir_ack on non-unhashing %d", m.Ino)

	span.Debugf("handle_unhash_dir_ack %s", idir)

	oldauth := env.Source.Node()
	br := proto.NewBlobReader(m.Blob)
	for br.More() {
		in := c.importDentryInode(ctx, br, dir, oldauth, idir)
		in.MarkDirty() // pin in cache
	}
	assertf(br.Err() == nil, "corrupt unhash share for %d: %v", m.Ino, br.Err())

	waiting := c.unhashWaiting[dir]
	assertf(waiting != nil, "unhash_dir_ack for %d without outstanding unhash", m.Ino)
	delete(waiting, oldauth)

	c.unhashDirFinish(ctx, dir)
}
