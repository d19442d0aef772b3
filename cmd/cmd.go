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

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubefs/mdcache/metrics"
	"github.com/cubefs/mdcache/server"
	"github.com/cubefs/mdcache/util"
)

// Config service config
type Config struct {
	server.Config

	HTTPBindPort uint32    `json:"http_bind_port"`
	GrpcBindPort uint32    `json:"grpc_bind_port"`
	LogLevel     log.Level `json:"log_level"`
	Debug        int       `json:"debug"`
}

func main() {
	config.Init("f", "", "mds.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}

	initConfig(cfg)
	log.SetOutputLevel(cfg.LogLevel)

	mds, err := server.NewServer(&cfg.Config)
	if err != nil {
		log.Fatal(errors.Detail(err))
	}

	// metrics sink
	if cfg.HTTPBindPort != 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(":"+strconv.Itoa(int(cfg.HTTPBindPort)), mux); err != nil {
				log.Warnf("metrics endpoint stopped: %s", err)
			}
		}()
	}

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	mds.Shutdown(context.Background())
	mds.Close()
}

func initConfig(cfg *Config) {
	cfg.TransportConfig.ListenPort = cfg.GrpcBindPort
	if cfg.Debug > 0 {
		cfg.LogLevel = log.Ldebug
	}

	for i := range cfg.Nodes {
		if cfg.Nodes[i].Addr == "" {
			addr, err := util.GetLocalIP()
			if err != nil {
				log.Fatalf("can't get local ip, set an address for node %d", cfg.Nodes[i].ID)
			}
			cfg.Nodes[i].Addr = addr
		}
	}
}
