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

// Package transport moves envelopes between MDS processes. The cache only
// sees the Messenger interface; the loopback implementation runs whole
// clusters in one process, the gRPC implementation runs them across hosts.
package transport

import (
	"context"

	"github.com/cubefs/mdcache/proto"
)

// Handler consumes envelopes addressed to one endpoint.
type Handler interface {
	HandleEnvelope(ctx context.Context, env *proto.Envelope)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *proto.Envelope)

func (f HandlerFunc) HandleEnvelope(ctx context.Context, env *proto.Envelope) { f(ctx, env) }

// Messenger sends envelopes; delivery is asynchronous and not FIFO between
// any two nodes.
type Messenger interface {
	Send(ctx context.Context, env *proto.Envelope) error
	Close()
}
