// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package cluster

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	"github.com/cubefs/mdcache/proto"
)

// Node is one MDS of the cluster map.
type Node struct {
	ID       proto.NodeID `json:"id"`
	Addr     string       `json:"addr"`
	GrpcPort uint32       `json:"grpc_port"`
}

// Cluster is the static membership view of the MDS cluster. Rank 0 owns the
// root by convention. Ranks are dense: 0..Size()-1.
type Cluster struct {
	nodes []Node

	mu   sync.Mutex
	down map[proto.NodeID]struct{}
}

func New(nodes []Node) *Cluster {
	return &Cluster{
		nodes: nodes,
		down:  make(map[proto.NodeID]struct{}),
	}
}

// NewSized builds a membership view of n ranks with no addresses; enough for
// in-process clusters over the loopback transport.
func NewSized(n int) *Cluster {
	nodes := make([]Node, n)
	for i := range nodes {
		nodes[i].ID = proto.NodeID(i)
	}
	return New(nodes)
}

func (c *Cluster) Size() int { return len(c.nodes) }

func (c *Cluster) Node(id proto.NodeID) (Node, bool) {
	if int(id) < 0 || int(id) >= len(c.nodes) {
		return Node{}, false
	}
	return c.nodes[id], true
}

// HashDentry maps a dentry of a hashed directory to the MDS owning it.
func (c *Cluster) HashDentry(dirIno proto.Ino, name string) proto.NodeID {
	h := crc32.NewIEEE()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(dirIno))
	h.Write(b[:])
	h.Write([]byte(name))
	return proto.NodeID(h.Sum32() % uint32(len(c.nodes)))
}

// MarkDown records that a peer finished shutting down; the final shutdown
// pass on rank 0 strips such peers out of cached_by sets.
func (c *Cluster) MarkDown(id proto.NodeID) {
	c.mu.Lock()
	c.down[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Cluster) IsDown(id proto.NodeID) bool {
	c.mu.Lock()
	_, ok := c.down[id]
	c.mu.Unlock()
	return ok
}
