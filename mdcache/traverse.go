package mdcache

import (
	"context"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
)

// TravOnFail selects what a traversal does when it walks off the edge of
// this MDS's knowledge.
type TravOnFail int

const (
	// TravDiscover populates the missing dentry from its authority.
	TravDiscover TravOnFail = iota
	// TravForward retransmits the parked request to the dentry authority.
	TravForward
	// TravFail surfaces ErrNotAuth to the caller.
	TravFail
)

// TravStatus is the explicit traversal outcome; Deferred means the request
// was re-queued behind a waiter and the caller must stop processing it.
type TravStatus int

const (
	TravOK TravStatus = iota
	TravDeferred
)

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// PathTraverse walks path from the root, returning the inode trace on
// success. env is the request being processed; it is parked or forwarded on
// deferral.
func (c *Cache) PathTraverse(ctx context.Context, path string, env *proto.Envelope, onfail TravOnFail) ([]*Inode, TravStatus, error) {
	span := trace.SpanFromContextSafe(ctx)

	cur := c.root
	if cur == nil {
		span.Debugf("no root yet, opening")
		if env != nil {
			c.OpenRoot(ctx, func() { c.HandleEnvelope(ctx, env) })
		} else {
			c.OpenRoot(ctx, nil)
		}
		return nil, TravDeferred, nil
	}

	trav := []*Inode{cur}
	haveClean := ""

	for _, dname := range splitPath(path) {
		if !cur.IsDir() {
			span.Debugf("%s not a dir", cur)
			return nil, TravOK, errors.ErrNotDir
		}
		c.openDir(cur)

		if cur.Dir.IsFrozenTreeRoot() || cur.Dir.IsFrozenDir() {
			span.Debugf("dir %d is frozen, waiting", cur.Ino())
			cur.Dir.AddWaiter(dirWaitUnfreeze, waiter{env: env})
			return nil, TravDeferred, nil
		}

		// hard metadata gates traversal
		if !c.ReadHardTry(ctx, cur, env) {
			return nil, TravDeferred, nil
		}

		if dn := cur.Dir.Lookup(dname); dn != nil && dn.Inode != nil {
			cur = dn.Inode
			haveClean += "/" + dname
			trav = append(trav, cur)
			continue
		}

		dauth := cur.Dir.DentryAuthority(dname, c.cfg.Cluster)

		if dauth == c.whoami() {
			if cur.Dir.IsComplete() {
				return nil, TravOK, errors.ErrNoEnt
			}
			if onfail == TravDiscover {
				return nil, TravOK, errors.ErrNotAuth
			}

			span.Debugf("incomplete dir %d, fetching for %q", cur.Ino(), dname)
			c.lru.Touch(cur)
			c.fetchDir(ctx, cur, waiter{env: env})
			c.stats.Cmiss.Inc()
			c.stats.Rdir.Inc()
			return nil, TravDeferred, nil
		}

		switch onfail {
		case TravDiscover:
			span.Debugf("discover %q under %d from mds%d", dname, cur.Ino(), dauth)
			segs := splitPath(path)
			var want []string
			for i := len(trav) - 1; i < len(segs); i++ {
				want = append(want, segs[i])
			}
			c.lru.Touch(cur)
			c.send(ctx, proto.MDS(dauth), &proto.Discover{
				Asker:    c.whoami(),
				BasePath: haveClean,
				Want:     want,
			})
			cur.Dir.AddDentryWaiter(dname, waiter{env: env})
			c.stats.Dis.Inc()
			c.stats.Cmiss.Inc()
			return nil, TravDeferred, nil

		case TravForward:
			span.Debugf("not authoritative for %q, fwd to mds%d", dname, dauth)
			c.forward(ctx, env, dauth)
			c.stats.Cfw.Inc()
			return nil, TravDeferred, nil

		default:
			return nil, TravOK, errors.ErrNotAuth
		}
	}

	return trav, TravOK, nil
}
