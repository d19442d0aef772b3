package cluster

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
)

// Directory looks up cluster nodes; the static view above implements it, a
// deployment may back it with an external registry instead.
type Directory interface {
	GetNode(ctx context.Context, id proto.NodeID) (Node, error)
}

func (c *Cluster) GetNode(ctx context.Context, id proto.NodeID) (Node, error) {
	n, ok := c.Node(id)
	if !ok {
		return Node{}, errors.ErrNodeDoesNotExist
	}
	return n, nil
}

// Resolver maps MDS ranks to dial addresses, deduplicating concurrent
// lookups through singleflight.
type Resolver struct {
	dir       Directory
	allNodes  sync.Map
	singleRun singleflight.Group
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

func (r *Resolver) Resolve(ctx context.Context, id proto.NodeID) (string, error) {
	if v, ok := r.allNodes.Load(id); ok {
		return v.(string), nil
	}

	v, err, _ := r.singleRun.Do(strconv.Itoa(int(id)), func() (interface{}, error) {
		node, err := r.dir.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		addr := node.Addr + ":" + strconv.Itoa(int(node.GrpcPort))
		r.allNodes.Store(id, addr)
		return addr, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
