package mdcache

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
)

// exportFinisher partitions the waiters of an exported subtree: message
// waiters can chase the subtree to its new authority, internal continuations
// cannot and fail locally once the handoff completes.
type exportFinisher struct {
	redelegate []*proto.Envelope
	fail       []waiter
}

func (f *exportFinisher) assim(ws []waiter) {
	for _, w := range ws {
		if w.env != nil {
			f.redelegate = append(f.redelegate, w.env)
		} else if w.fn != nil {
			f.fail = append(f.fail, w)
		}
	}
}

func (f *exportFinisher) finish(ctx context.Context, c *Cache, in *Inode) {
	span := trace.SpanFromContextSafe(ctx)
	newauth := in.DirAuthority(c.cfg.Cluster)
	for _, env := range f.redelegate {
		span.Debugf("redelegating parked %d to mds%d", env.Msg.Type(), newauth)
		c.forward(ctx, env, newauth)
	}
	for range f.fail {
		span.Warnf("failing local continuation parked under exported %d", in.Ino())
	}
}

// ExportDir transfers authority of the subtree rooted at in to dest.
// Phase 1: prep-anchor the target replica; the rest continues from
// exportDirFrozen once the subtree is quiesced.
func (c *Cache) ExportDir(ctx context.Context, in *Inode, dest proto.NodeID) error {
	span := trace.SpanFromContextSafe(ctx)

	if dest == c.whoami() {
		return errors.ErrExportToSelf
	}
	if in.Parent == nil {
		return errors.ErrExportRoot
	}
	c.openDir(in)
	if in.Dir.IsFrozen() || in.Dir.IsFreezing() {
		span.Debugf("can't export %d, freezing|frozen", in.Ino())
		return errors.ErrExportBusy
	}

	span.Debugf("export_dir %s to mds%d, sending prep", in, dest)
	c.send(ctx, proto.MDS(dest), &proto.ExportDirPrep{Ino: in.Ino(), Path: c.MakePath(in)})
	// anchor the dir against the long prep round-trip
	in.Dir.AuthPin()
	c.stats.Ex.Inc()

	// popularity leaves with the subtree
	pop := in.Pop
	for t := in; t != nil; t = t.parentInode() {
		t.Pop -= pop
	}

	in.Dir.FreezeTree(func() { c.exportDirFrozen(ctx, in, dest, pop) })

	if c.cfg.StickySyncNormal || c.cfg.StickySyncSoftAsync {
		// drop sticky syncs so in-flight holders can drain
		c.exportDirDropSync(ctx, in)
	}
	return nil
}

func (c *Cache) exportDirDropSync(ctx context.Context, idir *Inode) {
	span := trace.SpanFromContextSafe(ctx)
	if idir.Dir == nil {
		return
	}
	for _, name := range idir.Dir.sortedNames() {
		in := idir.Dir.items[name].Inode

		if in.IsSyncByMe() {
			span.Debugf("about to export: dropping sticky sync on %s", in)
			c.syncRelease(ctx, in)
		}
		if in.IsDir() && in.DirAuth == proto.AuthParent && in.Dir != nil {
			c.exportDirDropSync(ctx, in)
		}
	}
}

// Phase 1 ack: the target anchored its replica, release the prep-anchor so
// the freeze can complete.
func (c *Cache) handleExportDirPrepAck(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.ExportDirPrepAck)

	in := c.GetInode(m.Ino)
	assertf(in != nil, "export prep_ack for unknown ino %d", m.Ino)
	span.Debugf("export_dir_prep_ack %s, releasing auth_pin", in)

	in.Dir.AuthUnpin()
}

// Phase 3: the subtree is frozen; update the import/export bookkeeping,
// serialize the walk and ship it.
func (c *Cache) exportDirFrozen(ctx context.Context, in *Inode, dest proto.NodeID, pop float64) {
	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("export_dir %s to mds%d, frozen+prep_ack", in, dest)

	containingImport := c.GetContainingImport(in)
	if containingImport == in {
		span.Debugf("re-exporting a previous import %d", in.Ino())
		delete(c.imports, in)
		in.Dir.StateClear(DirStateImport)
		in.Put(PinImport)

		// nested exports under us leave with the subtree
		for nested := range c.nestedExports[in] {
			span.Debugf("export %d was nested beneath us; removing from export lists", nested.Ino())
			_, ok := c.exports[nested]
			assertf(ok, "nested export %d not in exports", nested.Ino())
			// the walk drops it from exports when it passes the entry
		}
		delete(c.nestedExports, in)
	} else {
		span.Debugf("exporting a subdir nested under import %d", containingImport.Ino())
		c.exports[in] = struct{}{}
		c.addNestedExport(containingImport, in)
		in.Get(PinExport)

		// re-home: any export that now falls within the new export moves
		// out of the containing import's nested list
		for nested := range c.nestedExports[containingImport] {
			if nested == in {
				continue
			}
			ce := c.GetContainingExport(nested.parentInode())
			if ce == nil {
				continue
			}
			if ce == in {
				span.Debugf("export %d was nested beneath us; removing from nested_exports", nested.Ino())
				delete(c.nestedExports[containingImport], nested)
			} else {
				assertf(ce == nested, "export %d nested under other export %d", nested.Ino(), ce.Ino())
			}
		}
	}

	// new authority, canonicalized against the parent
	in.DirAuth = dest
	if in.Parent != nil && in.parentInode().DirAuth == in.DirAuth {
		in.DirAuth = proto.AuthParent
	}

	fin := &exportFinisher{}
	bw := proto.NewBlobWriter()
	c.exportDirWalk(ctx, bw, fin, in, dest)

	c.send(ctx, proto.MDS(dest), &proto.ExportDir{
		Ino:   in.Ino(),
		NDirs: bw.NDirs(),
		Pop:   pop,
		Blob:  bw.Bytes(),
	})
	bw.Free() // send already copied the blob into the frame

	// the finisher resolves when the ack thaws the tree
	in.Dir.AddWaiter(dirWaitUnfreeze, waiter{fn: func() { fin.finish(ctx, c, in) }})

	c.stats.Nex.Set(float64(len(c.exports)))
	c.stats.Nim.Set(float64(len(c.imports)))
}

func (c *Cache) inodeExportState(in *Inode) proto.InodeExportState {
	return proto.InodeExportState{
		Stat:      in.Stat,
		DirAuth:   in.DirAuth,
		Version:   in.Version,
		Pop:       in.Pop,
		Dirty:     in.IsDirty(),
		SoftAsync: in.IsSoftAsync(),
		CachedBy:  in.cachedByList(),
	}
}

// exportDirWalk serializes idir and recurses depth-first. Hashed dirs ship
// only their directory children; file inodes stay sharded.
func (c *Cache) exportDirWalk(ctx context.Context, bw *proto.BlobWriter, fin *exportFinisher, idir *Inode, newauth proto.NodeID) {
	span := trace.SpanFromContextSafe(ctx)
	assertf(idir.IsDir(), "export walk on non-dir %d", idir.Ino())
	if idir.Dir == nil {
		return
	}
	dir := idir.Dir
	hashed := dir.IsHashed()
	span.Debugf("export_dir_walk on %s, %d items", idir, dir.Size())

	names := dir.sortedNames()
	nitems := int32(0)
	for _, name := range names {
		if dir.items[name].Inode.IsDir() || !hashed {
			nitems++
		}
	}

	var dirRepBy []proto.NodeID
	for who := range dir.dirRepBy {
		dirRepBy = append(dirRepBy, who)
	}
	bw.BeginDir(&proto.DirExportState{
		Ino:      idir.Ino(),
		NItems:   nitems,
		Version:  dir.version,
		State:    uint32(dir.state),
		DirRep:   dir.dirRep,
		Pop:      dir.pop,
		DirRepBy: dirRepBy,
	})

	assertf(dir.IsAuth(), "export walk of non-auth dir %d", idir.Ino())
	dir.StateClear(DirStateAuth)
	dir.state &= dirMaskExportKept

	fin.assim(idir.TakeAllWaiting())

	var subdirs []*Inode
	for _, name := range names {
		in := dir.items[name].Inode

		in.Version++ // stale log entries are ignored downstream

		if hashed && in.DirAuth == proto.AuthParent {
			in.DirAuth = c.whoami()
		}

		if in.IsDir() || !hashed {
			st := c.inodeExportState(in)
			bw.Dentry(name, &st)
		}

		if in.IsDir() {
			assertf(in.DirAuth != c.whoami() || in.DirIsHashed(),
				"exported child %d refers to exporter explicitly", in.Ino())

			if in.DirAuth == proto.AuthParent ||
				(in.DirIsHashed() && in.DirAuth == c.whoami()) {
				subdirs = append(subdirs, in)
			} else {
				span.Debugf("encountered nested export %s dir_auth %d; removing from exports", in, in.DirAuth)
				_, ok := c.exports[in]
				assertf(ok, "nested export %d missing from exports", in.Ino())
				delete(c.exports, in)
				in.Put(PinExport)
			}
		}

		if hashed {
			// directory children ride along as replicas on the new auth
			if in.IsDir() && in.IsAuth() && !in.IsCachedBy(newauth) {
				in.CachedByAdd(newauth)
			}
		} else {
			// this inode changes hands
			if in.IsDirty() {
				in.MarkClean()
			}
			in.CachedByClear()
			assertf(in.Auth, "exporting non-auth inode %d", in.Ino())
			in.Auth = false
		}
	}

	fin.assim(dir.TakeAllWaiting())

	for _, sub := range subdirs {
		c.exportDirWalk(ctx, bw, fin, sub, newauth)
	}
}

// Phase 4 ack: the importer has the subtree; thaw, which also resolves the
// parked-waiter partition.
func (c *Cache) handleExportDirAck(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.ExportDirAck)

	in := c.GetInode(m.Ino)
	assertf(in != nil, "export ack for unknown ino %d", m.Ino)
	span.Debugf("export_dir_ack %s, unfreezing", in)

	c.unfreezeTree(ctx, in.Dir)
}

func (c *Cache) addNestedExport(imp, ex *Inode) {
	m := c.nestedExports[imp]
	if m == nil {
		m = make(map[*Inode]struct{})
		c.nestedExports[imp] = m
	}
	m[ex] = struct{}{}
}

func (c *Cache) removeNestedExport(imp, ex *Inode) {
	if m := c.nestedExports[imp]; m != nil {
		delete(m, ex)
		if len(m) == 0 {
			delete(c.nestedExports, imp)
		}
	}
}
