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

// Package mdlog is the metadata write-ahead log. To the cache it is a black
// box that acknowledges submitted records; shutdown waits until it has
// drained.
package mdlog

import (
	"bufio"
	"encoding/binary"
	"os"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/mdcache/proto"
)

type EntryKind uint8

const (
	EntryInodeUpdate EntryKind = iota + 1
	EntryDirUpdate
)

type Entry struct {
	Kind    EntryKind
	Ino     proto.Ino
	Payload []byte
}

type Log struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	fins   []func()
	events int64
}

// Open creates or appends the journal at path. An empty path yields a
// discard journal (tests, diskless nodes).
func Open(path string) (*Log, error) {
	l := &Log{}
	if path == "" {
		return l, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Info(err, "open journal failed")
	}
	l.f = f
	l.w = bufio.NewWriter(f)
	return l, nil
}

// Submit appends a record. fin, if non-nil, runs once the record is durable
// (at the next Flush).
func (l *Log) Submit(e Entry, fin func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w != nil {
		var hdr [13]byte
		hdr[0] = byte(e.Kind)
		binary.LittleEndian.PutUint64(hdr[1:], uint64(e.Ino))
		binary.LittleEndian.PutUint32(hdr[9:], uint32(len(e.Payload)))
		if _, err := l.w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := l.w.Write(e.Payload); err != nil {
			return err
		}
	}
	l.events++
	if fin != nil {
		l.fins = append(l.fins, fin)
	}
	return nil
}

// NumEvents is the count of records not yet flushed.
func (l *Log) NumEvents() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}

// Flush makes all submitted records durable and fires their completions.
func (l *Log) Flush() error {
	l.mu.Lock()
	if l.w != nil {
		if err := l.w.Flush(); err != nil {
			l.mu.Unlock()
			return err
		}
		if err := l.f.Sync(); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	fins := l.fins
	l.fins = nil
	l.events = 0
	l.mu.Unlock()

	for _, fin := range fins {
		fin()
	}
	return nil
}

func (l *Log) Close() error {
	if err := l.Flush(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		return l.f.Close()
	}
	return nil
}
