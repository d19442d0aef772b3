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

// Package mdstore is the persistent directory store behind the metadata
// cache. The cache only ever fetches whole directories from it; writes flow
// through the journal and are applied back lazily.
package mdstore

import (
	"context"

	"github.com/cubefs/mdcache/proto"
)

// Dirent is one persistent directory entry.
type Dirent struct {
	Name string
	Stat proto.InodeStat
}

type Store interface {
	// FetchDir returns every entry of a directory. A directory with no
	// persistent record is empty, not an error.
	FetchDir(ctx context.Context, dir proto.Ino) ([]Dirent, error)
	PutDirent(ctx context.Context, dir proto.Ino, d Dirent) error
	DeleteDirent(ctx context.Context, dir proto.Ino, name string) error
	Close()
}
