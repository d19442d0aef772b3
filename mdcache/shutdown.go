package mdcache

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
)

// ShutdownStart releases the syncs and locks this authority holds and turns
// normal-regime sticky sync off; the softasync sticky-sync and sticky-lock
// settings are left as they are.
func (c *Cache) ShutdownStart(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	span.Infof("shutdown: unsync, unlock everything")

	c.shuttingDown = true

	for _, in := range c.inodeMap {
		if !in.IsAuth() {
			continue
		}
		if in.IsSyncByMe() {
			c.syncRelease(ctx, in)
		}
		if in.IsLockByMe() {
			c.inodeLockRelease(ctx, in)
		}
	}

	c.cfg.StickySyncNormal = false
}

// ShutdownPass makes one drain attempt: flush the log, trim, push imports to
// rank 0, and finally (on rank 0) drop root. Returns true once the cache is
// empty.
func (c *Cache) ShutdownPass(ctx context.Context) bool {
	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("shutdown_pass")

	if c.shutDown {
		span.Debugf("already shut down")
		return true
	}

	if c.cfg.Journal != nil && c.cfg.Journal.NumEvents() > 0 {
		span.Debugf("waiting for log to flush")
		c.cfg.Journal.Flush()
		return false
	}

	span.Debugf("log is empty; flushing cache")
	c.Trim(ctx, 0)

	// expires sent during an export can be missed; rank 0 strips peers that
	// already finished shutting down out of cached_by
	if c.whoami() == 0 {
		didSomething := false
		for _, in := range c.inodeMap {
			if !in.IsAuth() || !in.IsCachedByAnyone() {
				continue
			}
			for _, who := range in.cachedByList() {
				if c.cfg.Cluster.IsDown(who) {
					in.CachedByRemove(who)
					didSomething = true
				}
			}
		}
		if didSomething {
			c.Trim(ctx, 0)
		}
	}

	span.Debugf("cache size now %d", c.lru.Size())

	if c.whoami() != 0 {
		// push surviving imports to rank 0
		for imp := range c.imports {
			if imp.IsRoot() {
				continue
			}
			if imp.Dir.IsFrozen() || imp.Dir.IsFreezing() {
				continue
			}
			span.Debugf("sending import %s back to rank 0", imp)
			if err := c.ExportDir(ctx, imp, 0); err != nil {
				span.Warnf("shutdown export of %d failed: %s", imp.Ino(), err)
			}
		}
	} else if c.lru.Size() == 1 && c.root != nil {
		// all that's left is root: un-import it and let it expire
		span.Debugf("all that's left is root")
		root := c.root
		delete(c.imports, root)
		root.Dir.StateClear(DirStateImport)
		root.Put(PinImport)

		if root.IsDirty() {
			// no root storage yet
			root.MarkClean()
		}

		if root.ref != 0 {
			span.Warnf("bad shutdown: root still pinned %v", root.refSet)
			c.imports[root] = struct{}{}
			root.Dir.StateSet(DirStateImport)
			root.Get(PinImport)
		} else {
			c.Trim(ctx, 0)
		}
	}

	assertf(len(c.inodeMap) == c.lru.Size(), "inode map and lru diverged in shutdown")
	if c.lru.Size() == 0 {
		span.Infof("shutdown complete")
		c.shutDown = true
		return true
	}
	span.Debugf("there's still stuff in the cache: %d", c.lru.Size())
	return false
}
