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

package server

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/mdcache/cluster"
	"github.com/cubefs/mdcache/mdcache"
	"github.com/cubefs/mdcache/mdlog"
	"github.com/cubefs/mdcache/mdstore"
	"github.com/cubefs/mdcache/proto"
	"github.com/cubefs/mdcache/transport"
)

const (
	defaultInboxSize     = 4096
	defaultTrimIntervalS = 10
)

type Config struct {
	NodeID proto.NodeID   `json:"node_id"`
	Nodes  []cluster.Node `json:"nodes"`

	StorePath     string `json:"store_path"`
	JournalPath   string `json:"journal_path"`
	TrimIntervalS int    `json:"trim_interval_s"`

	CacheConfig     mdcache.Config       `json:"cache_config"`
	TransportConfig transport.GrpcConfig `json:"transport_config"`
}

// Server is one MDS process: a single-threaded dispatch loop feeding the
// cache from the transport, plus periodic trim and journal flush.
type Server struct {
	cfg   *Config
	cache *mdcache.Cache
	msgr  transport.Messenger
	store mdstore.Store
	log   *mdlog.Log

	inbox chan *proto.Envelope
	done  chan struct{}
}

func NewServer(cfg *Config) (*Server, error) {
	initConfig(cfg)

	s := &Server{
		cfg:   cfg,
		inbox: make(chan *proto.Envelope, defaultInboxSize),
		done:  make(chan struct{}),
	}

	cl := cluster.New(cfg.Nodes)

	var err error
	if cfg.StorePath != "" {
		s.store, err = mdstore.OpenRocks(&mdstore.RocksConfig{Path: cfg.StorePath, CreateIfMissing: true})
		if err != nil {
			return nil, errors.Info(err, "open metadata store failed")
		}
	} else {
		s.store = mdstore.NewMem()
	}

	s.log, err = mdlog.Open(cfg.JournalPath)
	if err != nil {
		return nil, errors.Info(err, "open journal failed")
	}

	cfg.TransportConfig.Resolver = cluster.NewResolver(cl)
	cfg.TransportConfig.Handler = s
	s.msgr, err = transport.NewGrpc(&cfg.TransportConfig)
	if err != nil {
		return nil, errors.Info(err, "start transport failed")
	}

	cfg.CacheConfig.NodeID = cfg.NodeID
	cfg.CacheConfig.Cluster = cl
	cfg.CacheConfig.Messenger = s.msgr
	cfg.CacheConfig.Store = s.store
	cfg.CacheConfig.Journal = s.log
	s.cache = mdcache.NewCache(&cfg.CacheConfig)

	go s.loop()
	return s, nil
}

// HandleEnvelope runs on transport goroutines; it only enqueues.
func (s *Server) HandleEnvelope(ctx context.Context, env *proto.Envelope) {
	select {
	case s.inbox <- env:
	default:
		span := trace.SpanFromContextSafe(ctx)
		span.Errorf("inbox full, dropping %d from %+v", env.Msg.Type(), env.Source)
	}
}

// loop is the owner of all cache state: one message at a time, to
// completion or deferral.
func (s *Server) loop() {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	span.Infof("mds%d cache loop starting", s.cfg.NodeID)

	s.cache.OpenRoot(ctx, nil)

	trimTicker := time.NewTicker(time.Duration(s.cfg.TrimIntervalS) * time.Second)
	flushTicker := time.NewTicker(time.Second)
	defer func() {
		trimTicker.Stop()
		flushTicker.Stop()
	}()

	for {
		select {
		case env := <-s.inbox:
			if env.DestPort != proto.PortCache {
				span.Warnf("message %d for port %d, dropping", env.Msg.Type(), env.DestPort)
				continue
			}
			s.cache.HandleEnvelope(ctx, env)
			s.cache.RunPending(ctx)
		case <-trimTicker.C:
			s.cache.Trim(ctx, -1)
			s.cache.RunPending(ctx)
		case <-flushTicker.C:
			if err := s.log.Flush(); err != nil {
				span.Errorf("journal flush failed: %s", err)
			}
			s.cache.RunPending(ctx)
		case <-s.done:
			return
		}
	}
}

// Shutdown drains the cache: release held coherence state, flush the log,
// trim to zero and export surviving imports to rank 0.
func (s *Server) Shutdown(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)

	done := make(chan struct{})
	s.cache.Post(func() {
		s.cache.ShutdownStart(ctx)
		close(done)
	})
	<-done

	for i := 0; i < 100; i++ {
		finished := make(chan bool, 1)
		s.cache.Post(func() { finished <- s.cache.ShutdownPass(ctx) })
		if <-finished {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	span.Warnf("shutdown did not drain the cache")
}

func (s *Server) Close() {
	close(s.done)
	s.msgr.Close()
	if err := s.log.Close(); err != nil {
		trace.SpanFromContextSafe(context.Background()).Warnf("close journal failed: %s", err)
	}
	s.store.Close()
}

func initConfig(cfg *Config) {
	if cfg.TrimIntervalS <= 0 {
		cfg.TrimIntervalS = defaultTrimIntervalS
	}
	if len(cfg.Nodes) == 0 {
		cfg.Nodes = []cluster.Node{{ID: 0, Addr: "127.0.0.1", GrpcPort: cfg.TransportConfig.ListenPort}}
	}
}
