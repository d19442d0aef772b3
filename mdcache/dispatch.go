package mdcache

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
)

// HandleEnvelope is the single entry point: every cache message lands here
// and is demultiplexed to its handler. An unknown kind is a fatal bug.
func (c *Cache) HandleEnvelope(ctx context.Context, env *proto.Envelope) {
	switch env.Msg.(type) {
	case *proto.Discover:
		c.handleDiscover(ctx, env)

	case *proto.InodeUpdate:
		c.handleInodeUpdate(ctx, env)
	case *proto.DirUpdate:
		c.handleDirUpdate(ctx, env)
	case *proto.InodeExpire:
		c.handleInodeExpire(ctx, env)

	case *proto.InodeSyncStart:
		c.handleInodeSyncStart(ctx, env)
	case *proto.InodeSyncAck:
		c.handleInodeSyncAck(ctx, env)
	case *proto.InodeSyncRelease:
		c.handleInodeSyncRelease(ctx, env)
	case *proto.InodeSyncRecall:
		c.handleInodeSyncRecall(ctx, env)

	case *proto.InodeLockStart:
		c.handleInodeLockStart(ctx, env)
	case *proto.InodeLockAck:
		c.handleInodeLockAck(ctx, env)
	case *proto.InodeLockRelease:
		c.handleInodeLockRelease(ctx, env)

	case *proto.ExportDirPrep:
		c.handleExportDirPrep(ctx, env)
	case *proto.ExportDirPrepAck:
		c.handleExportDirPrepAck(ctx, env)
	case *proto.ExportDir:
		c.handleExportDir(ctx, env)
	case *proto.ExportDirAck:
		c.handleExportDirAck(ctx, env)
	case *proto.ExportDirNotify:
		c.handleExportDirNotify(ctx, env)

	case *proto.InodeGetReplica:
		c.handleInodeGetReplica(ctx, env)
	case *proto.InodeGetReplicaAck:
		c.handleInodeGetReplicaAck(ctx, env)

	case *proto.HashDir:
		c.handleHashDir(ctx, env)
	case *proto.HashDirAck:
		c.handleHashDirAck(ctx, env)
	case *proto.UnhashDir:
		c.handleUnhashDir(ctx, env)
	case *proto.UnhashDirAck:
		c.handleUnhashDirAck(ctx, env)

	case *proto.ClientOp:
		c.handleClientOp(ctx, env)

	default:
		assertf(false, "unknown cache message %d", env.Msg.Type())
	}
}

// Errno values surfaced to the thin client layer.
const (
	ErrnoNoEnt  int32 = -2
	ErrnoAccess int32 = -13
	ErrnoNotDir int32 = -20
)

func errno(err error) int32 {
	switch err {
	case errors.ErrNoEnt:
		return ErrnoNoEnt
	case errors.ErrNotDir:
		return ErrnoNotDir
	default:
		return ErrnoAccess
	}
}

// handleClientOp drives the cache from the thin client surface: traversal,
// then the coherence entry point matching the operation.
func (c *Cache) handleClientOp(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	m := env.Msg.(*proto.ClientOp)

	reply := func(ack *proto.ClientOpAck) {
		c.send(ctx, proto.Client(m.Client), ack)
	}

	trav, status, err := c.PathTraverse(ctx, m.Path, env, TravForward)
	if status == TravDeferred {
		return
	}
	if err != nil {
		reply(&proto.ClientOpAck{Err: errno(err)})
		return
	}
	in := trav[len(trav)-1]

	switch m.Op {
	case proto.OpStat:
		if !c.ReadSoftStart(ctx, in, env) {
			return
		}
		c.lru.Touch(in)
		reply(&proto.ClientOpAck{Stat: in.Stat})
		c.ReadSoftFinish(ctx, in)

	case proto.OpTouch:
		if !c.WriteSoftStart(ctx, in, env) {
			return
		}
		if m.Size > in.Stat.Size {
			in.Stat.Size = m.Size
		}
		in.Stat.Mtime++
		c.lru.Touch(in)
		reply(&proto.ClientOpAck{Stat: in.Stat})
		c.WriteSoftFinish(ctx, in)

	case proto.OpChmod:
		if !c.WriteHardStart(ctx, in, env) {
			return
		}
		in.Stat.Mode = m.Mode
		in.MarkDirty()
		c.lru.Touch(in)
		reply(&proto.ClientOpAck{Stat: in.Stat})
		c.WriteHardFinish(ctx, in)

	default:
		span.Warnf("unknown client op %d", m.Op)
		reply(&proto.ClientOpAck{Err: ErrnoAccess})
	}
}
