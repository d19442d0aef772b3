package mdcache

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/mdcache/mdlog"
	"github.com/cubefs/mdcache/proto"
)

// Phase 1 on the target: discover and anchor the subtree root, then tell the
// exporter we're ready.
func (c *Cache) handleExportDirPrep(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.ExportDirPrep)
	span.Debugf("export_dir_prep on %q", m.Path)

	assertf(env.Source.Node() != c.whoami(), "export prep from myself")

	trav, status, err := c.PathTraverse(ctx, m.Path, env, TravDiscover)
	if status == TravDeferred {
		return
	}
	if err != nil {
		span.Warnf("export prep traverse %q failed: %s, dropping", m.Path, err)
		return
	}
	in := trav[len(trav)-1]

	c.openDir(in)
	assertf(!in.Dir.IsAuth(), "export prep target dir %d already auth", in.Ino())

	// anchor until the data arrives
	in.Dir.AuthPin()

	span.Debugf("sending export_dir_prep_ack on %s", in)
	c.send(ctx, env.Source, &proto.ExportDirPrepAck{Ino: in.Ino()})
}

// Phase 3 on the target: assimilate the subtree walk and ack. The finish
// step waits for hashed-dir replicas when needed.
func (c *Cache) handleExportDir(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.ExportDir)
	oldauth := env.Source.Node()

	in := c.GetInode(m.Ino)
	assertf(in != nil, "export_dir for unknown ino %d", m.Ino)
	span.Debugf("import_dir %s from mds%d", in, oldauth)

	c.stats.Im.Inc()

	c.openDir(in)
	assertf(!in.Dir.IsAuth(), "import target dir %d already auth", in.Ino())

	in.DirAuth = c.whoami()

	var containingImport *Inode
	if _, ok := c.exports[in]; ok {
		// reimporting something we handed off before
		span.Debugf("reimporting dir %d", in.Ino())
		delete(c.exports, in)
		in.Put(PinExport)

		containingImport = c.GetContainingImport(in)
		span.Debugf("it is nested under import %d", containingImport.Ino())
		c.removeNestedExport(containingImport, in)
	} else {
		// new import
		c.imports[in] = struct{}{}
		in.Dir.StateSet(DirStateImport)
		in.Get(PinImport)

		containingImport = in
	}

	assertf(len(c.importHashedReplicateWaiting[m.Ino]) == 0,
		"import of %d while hashed-replica waits pending", m.Ino)

	br := proto.NewBlobReader(m.Blob)
	for i := int32(0); i < m.NDirs; i++ {
		c.importDirBlock(ctx, br, containingImport, oldauth, in)
	}
	assertf(br.Err() == nil, "corrupt export blob for %d: %v", m.Ino, br.Err())

	if in.Authority(c.cfg.Cluster) == in.DirAuth {
		in.DirAuth = proto.AuthParent
	}

	// popularity arrives with the subtree
	newpop := m.Pop - in.Pop
	span.Debugf("imported popularity jump by %v", newpop)
	if newpop > 0 {
		for t := in; t != nil; t = t.parentInode() {
			t.Pop += newpop
		}
	}

	span.Debugf("sending export_dir_ack back to mds%d", oldauth)
	c.send(ctx, proto.MDS(oldauth), &proto.ExportDirAck{Ino: in.Ino()})

	if len(c.importHashedFrozenWaiting[in.Ino()]) > 0 {
		// finish once the InodeGetReplicaAcks land
		return
	}
	c.handleExportDirFinish(ctx, in)
}

// Phase 5: tell the world about the new dir-authority and release the
// prep anchor.
func (c *Cache) handleExportDirFinish(ctx context.Context, in *Inode) {
	span := trace.SpanFromContextSafe(ctx)
	assertf(in.Dir.IsAuth(), "import finish on non-auth dir %d", in.Ino())

	if in.Authority(c.cfg.Cluster) == c.whoami() {
		// i am the inode authority: spread the word myself
		c.sendInodeUpdates(ctx, in)
	} else {
		// tell the inode authority; they spread the word
		c.send(ctx, proto.MDS(in.Authority(c.cfg.Cluster)), &proto.ExportDirNotify{
			Path:    c.MakePath(in),
			NewAuth: in.DirAuth,
		})
	}

	in.Dir.AuthUnpin()

	span.Debugf("done with import of %d", in.Ino())
	c.stats.Nex.Set(float64(len(c.exports)))
	c.stats.Nim.Set(float64(len(c.imports)))

	c.fire(ctx, in.Dir.TakeWaiting(dirWaitImported))
}

// importDirBlock assimilates one directory of the walk.
func (c *Cache) importDirBlock(ctx context.Context, br *proto.BlobReader, containingImport *Inode, oldauth proto.NodeID, importRoot *Inode) {
	span := trace.SpanFromContextSafe(ctx)

	ds, err := br.ReadDir()
	assertf(err == nil, "corrupt dir block: %v", err)
	span.Debugf("import_dir_block %d, %d items", ds.Ino, ds.NItems)

	idir := c.GetInode(ds.Ino)
	assertf(idir != nil, "import dir block for unknown ino %d", ds.Ino)
	c.openDir(idir)
	dir := idir.Dir

	dir.version = ds.Version
	if idir.DirIsHashed() {
		assertf(dir.IsHashed(), "imported hashed dir %d not locally hashed", ds.Ino)
	} else {
		dir.state = DirState(ds.State) & dirMaskExported
	}
	dir.dirRep = ds.DirRep
	dir.pop = ds.Pop
	for _, who := range ds.DirRepBy {
		dir.dirRepBy[who] = struct{}{}
	}

	assertf(!dir.IsAuth(), "import dir block for already-auth dir %d", ds.Ino)
	dir.StateSet(DirStateAuth)

	// whatever was parked on this dir resumes once the import completes; a
	// replica's presence in our cache implies its presence in the walk
	for _, w := range dir.TakeAllWaiting() {
		importRoot.Dir.AddWaiter(dirWaitImported, w)
	}

	for n := ds.NItems; n > 0; n-- {
		in := c.importDentryInode(ctx, br, dir, oldauth, importRoot)

		// adopt nested exports described by the walk
		if in.DirAuth >= 0 {
			if in.DirAuth == c.whoami() {
				// a nested export pointing at me: the hole closes
				span.Debugf("importing nested export %s to me, collapsing", in)
				delete(c.imports, in)
				if in.Dir != nil {
					in.Dir.StateClear(DirStateImport)
				}
				c.stats.Immyex.Inc()

				// its nested exports move under the containing import
				for nested := range c.nestedExports[in] {
					span.Debugf("moving nested export %d under %d", nested.Ino(), containingImport.Ino())
					c.addNestedExport(containingImport, nested)
				}
				delete(c.nestedExports, in)

				in.DirAuth = proto.AuthParent
				in.Put(PinImport)
			} else {
				span.Debugf("importing nested export %s to mds%d", in, in.DirAuth)
				in.Get(PinExport)
				c.exports[in] = struct{}{}
				c.addNestedExport(containingImport, in)
				c.stats.Imex.Inc()
			}
		}
	}
}

// importDentryInode decodes one dentry+inode. Three modes share it: a normal
// import (assimilate authoritative state), a hashed-dir import (directory
// children ride along as replicas), and an unhash reassimilation.
func (c *Cache) importDentryInode(ctx context.Context, br *proto.BlobReader, dir *Dir, from proto.NodeID, importRoot *Inode) *Inode {
	span := trace.SpanFromContextSafe(ctx)

	assertf((dir.IsAuth() && !dir.IsHashing()) || // auth importing, hashed or normal
		(!dir.IsAuth() && dir.IsHashing()) || // peer receiving a hash share
		(dir.IsAuth() && dir.IsUnhashing()), // auth reassimilating shares
		"import_dentry_inode in odd dir state %b of %d", dir.state, dir.inode.Ino())

	name, is, err := br.ReadDentry()
	assertf(err == nil, "corrupt dentry block: %v", err)

	in := c.GetInode(is.Stat.Ino)
	hadInode := in != nil
	if in == nil {
		in = newInode(is.Stat)
		c.AddInode(in)
		if lerr := c.LinkInode(dir.inode, name, in); lerr != nil {
			assertf(false, "link imported %q under %d: %v", name, dir.inode.Ino(), lerr)
		}
		span.Debugf("import_dentry_inode adding %s dir_auth %d", in, is.DirAuth)
	} else {
		span.Debugf("import_dentry_inode already had %s dir_auth %d", in, is.DirAuth)
	}

	importing := true
	switch {
	case dir.IsUnhashing():
		// authority reassimilating its hashed shares
		in.Stat = is.Stat
		in.Auth = true
	case dir.IsHashed():
		// hashed dirs ship their directory children as replicas only, to
		// re-tie the hierarchy; authority of each stays where it was
		assertf(in.IsDir(), "hashed dir ships non-dir %d", in.Ino())
		in.Auth = in.Authority(c.cfg.Cluster) == c.whoami()
		importing = false
	default:
		// normal import, or a peer assimilating its hash share
		in.Stat = is.Stat
		in.Auth = true
	}

	if importing {
		in.DirAuth = is.DirAuth
		in.Version = is.Version
		in.Pop = is.Pop

		in.CachedByClear()
		for _, who := range is.CachedBy {
			if who != c.whoami() {
				in.CachedByAdd(who)
			}
		}
		in.CachedByAdd(from) // the old authority still has it too

		// only the softasync regime survives a migration
		in.Dist = 0
		if is.SoftAsync {
			in.Dist |= DistSoftAsync
		}

		if is.Dirty {
			in.MarkDirty()
			span.Debugf("logging dirty import %s", in)
			if c.cfg.Journal != nil {
				c.cfg.Journal.Submit(mdlog.Entry{
					Kind:    mdlog.EntryInodeUpdate,
					Ino:     in.Ino(),
					Payload: proto.MarshalStat(&in.Stat),
				}, nil)
			}
		}
		return in
	}

	// hashed-dir import: re-tie the hierarchy with peer-owned dir replicas
	auth := in.Authority(c.cfg.Cluster)
	if in.IsAuth() {
		assertf(in.IsCachedBy(from), "hashed import: exporter missing from cached_by of %d", in.Ino())
		assertf(auth == c.whoami(), "hashed import: auth mismatch on %d", in.Ino())
	} else if auth != from && !hadInode {
		span.Debugf("imported collateral dir %s auth mds%d, fetching replica", in, auth)

		dauth := dir.DentryAuthority(name, c.cfg.Cluster)
		c.send(ctx, proto.MDS(dauth), &proto.InodeGetReplica{Ino: in.Ino()})

		dirIno := dir.inode.Ino()
		if len(c.importHashedReplicateWaiting[dirIno]) == 0 {
			// first for this dir: freeze it until the replicas land
			c.importHashedFrozenWaiting[importRoot.Ino()] = append(c.importHashedFrozenWaiting[importRoot.Ino()], dirIno)
			dir.FreezeDir(nil) // newly authoritative, nothing pins it
		}
		c.importHashedReplicateWaiting[dirIno] = append(c.importHashedReplicateWaiting[dirIno], in.Ino())

		root, replica := importRoot, in.Ino()
		in.AddWaiter(waitGetReplica, waiter{fn: func() {
			c.gotHashedReplica(ctx, root, dirIno, replica)
		}})
	}
	return in
}

// gotHashedReplica accounts one InodeGetReplicaAck; the last one for the
// last frozen dir completes the import.
func (c *Cache) gotHashedReplica(ctx context.Context, importRoot *Inode, dirIno, replicaIno proto.Ino) {
	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("got_hashed_replica for import %d ino %d in dir %d", importRoot.Ino(), replicaIno, dirIno)

	waiting := c.importHashedReplicateWaiting[dirIno]
	for i, ino := range waiting {
		if ino == replicaIno {
			waiting = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(waiting) > 0 {
		c.importHashedReplicateWaiting[dirIno] = waiting
		return
	}
	delete(c.importHashedReplicateWaiting, dirIno)

	idir := c.GetInode(dirIno)
	assertf(idir != nil && idir.Dir != nil, "hashed import dir %d gone", dirIno)
	c.unfreezeDir(ctx, idir.Dir)

	frozen := c.importHashedFrozenWaiting[importRoot.Ino()]
	for i, ino := range frozen {
		if ino == dirIno {
			frozen = append(frozen[:i], frozen[i+1:]...)
			break
		}
	}
	if len(frozen) > 0 {
		c.importHashedFrozenWaiting[importRoot.Ino()] = frozen
		return
	}
	delete(c.importHashedFrozenWaiting, importRoot.Ino())

	c.handleExportDirFinish(ctx, importRoot)
}

// handleExportDirNotify runs on the subtree root's inode authority (or a
// bystander on the way there): record the new dir-authority and spread
// InodeUpdates.
func (c *Cache) handleExportDirNotify(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.ExportDirNotify)
	span.Debugf("export_dir_notify on %q new_auth mds%d", m.Path, m.NewAuth)

	if c.shutDown || c.root == nil {
		if c.whoami() != 0 {
			span.Debugf("no root here; sending notify to rank 0")
			c.forward(ctx, env, 0)
		} else {
			span.Warnf("notify for %q while shut down, dropping", m.Path)
		}
		return
	}

	trav, status, err := c.PathTraverse(ctx, m.Path, env, TravForward)
	if status == TravDeferred {
		return
	}
	if err != nil {
		span.Warnf("notify traverse %q failed: %s, dropping", m.Path, err)
		return
	}
	in := trav[len(trav)-1]

	iauth := in.Authority(c.cfg.Cluster)
	if iauth != c.whoami() {
		span.Debugf("we're not the authority, fwd to mds%d", iauth)
		c.forward(ctx, env, iauth)
		return
	}

	span.Debugf("export_dir_notify on %s new_auth mds%d, telling replicas", in, m.NewAuth)
	assertf(in.DirAuth != c.whoami(), "notify for subtree already mine: %d", in.Ino())

	wasMine := in.DirAuthority(c.cfg.Cluster) == c.whoami()
	in.DirAuth = m.NewAuth
	isMine := in.DirAuthority(c.cfg.Cluster) == c.whoami()
	assertf(wasMine == isMine, "notify flipped dir authority verdict on %d", in.Ino())

	c.sendInodeUpdates(ctx, in)
}
