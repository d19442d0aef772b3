package mdcache

import (
	"github.com/cubefs/mdcache/cluster"
	"github.com/cubefs/mdcache/mdlog"
	"github.com/cubefs/mdcache/mdstore"
	"github.com/cubefs/mdcache/proto"
	"github.com/cubefs/mdcache/transport"
)

const (
	defaultCacheSize = 1 << 16
	defaultCacheMid  = 0.7
)

// Config is frozen at startup.
type Config struct {
	Size                int     `json:"mdcache_size"`
	Mid                 float64 `json:"mdcache_mid"`
	StickySyncNormal    bool    `json:"mdcache_sticky_sync_normal"`
	StickySyncSoftAsync bool    `json:"mdcache_sticky_sync_softasync"`
	StickyLock          bool    `json:"mdcache_sticky_lock"`

	NodeID proto.NodeID `json:"node_id"`

	Cluster   *cluster.Cluster    `json:"-"`
	Messenger transport.Messenger `json:"-"`
	Store     mdstore.Store       `json:"-"`
	Journal   *mdlog.Log          `json:"-"`
	InoAlloc  InoAllocator        `json:"-"`
}

func initConfig(cfg *Config) {
	if cfg.Size <= 0 {
		cfg.Size = defaultCacheSize
	}
	if cfg.Mid <= 0 || cfg.Mid >= 1 {
		cfg.Mid = defaultCacheMid
	}
	if cfg.InoAlloc == nil {
		cfg.InoAlloc = NewRangeAllocator(cfg.NodeID)
	}
}
