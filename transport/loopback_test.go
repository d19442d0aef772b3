package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/mdcache/proto"
)

func TestLoopbackDelivery(t *testing.T) {
	ctx := context.Background()
	lb := NewLoopback()

	var got []*proto.Envelope
	lb.Register(proto.MDS(1), HandlerFunc(func(ctx context.Context, env *proto.Envelope) {
		got = append(got, env)
	}))

	env := &proto.Envelope{
		Source:     proto.MDS(0),
		Dest:       proto.MDS(1),
		SourcePort: proto.PortCache,
		DestPort:   proto.PortCache,
		Msg:        &proto.InodeExpire{Ino: 42, From: 0, Hops: 1},
	}
	require.NoError(t, lb.Send(ctx, env))
	require.Equal(t, 1, lb.Pending())

	require.Equal(t, 1, lb.Pump(ctx))
	require.Len(t, got, 1)

	// delivery went through the wire codec, not by reference
	require.NotSame(t, env, got[0])
	require.Equal(t, env, got[0])
}

func TestLoopbackDropsUnknownDest(t *testing.T) {
	ctx := context.Background()
	lb := NewLoopback()

	env := &proto.Envelope{
		Source: proto.MDS(0),
		Dest:   proto.Client(9),
		Msg:    &proto.InodeSyncRelease{Ino: 1},
	}
	require.NoError(t, lb.Send(ctx, env))
	lb.Pump(ctx)
	require.Equal(t, 1, lb.Dropped())
}
