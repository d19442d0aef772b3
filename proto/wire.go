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

package proto

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/cubefs/mdcache/util"
)

// Wire format: dense little-endian, no alignment padding, NUL-terminated
// strings. Every envelope is self-describing; messages are framed by their
// type tag only.

var (
	ErrShortBuffer    = errors.New("short buffer")
	ErrUnknownMsgType = errors.New("unknown message type")
)

type writer struct {
	b []byte
}

func (w *writer) u8(v uint8) { w.b = append(w.b, v) }
func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) u32(v uint32) {
	var t [4]byte
	binary.LittleEndian.PutUint32(t[:], v)
	w.b = append(w.b, t[:]...)
}

func (w *writer) u64(v uint64) {
	var t [8]byte
	binary.LittleEndian.PutUint64(t[:], v)
	w.b = append(w.b, t[:]...)
}

func (w *writer) i32(v int32)   { w.u32(uint32(v)) }
func (w *writer) i64(v int64)   { w.u64(uint64(v)) }
func (w *writer) f64(v float64) { w.u64(math.Float64bits(v)) }

func (w *writer) str(s string) {
	w.b = append(w.b, s...)
	w.b = append(w.b, 0)
}

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.b = append(w.b, b...)
}

func (w *writer) nodes(ns []NodeID) {
	w.i32(int32(len(ns)))
	for _, n := range ns {
		w.i32(int32(n))
	}
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = ErrShortBuffer
	}
}

func (r *reader) u8() uint8 {
	if r.err != nil || r.off+1 > len(r.b) {
		r.fail()
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) boolean() bool { return r.u8() != 0 }

func (r *reader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.b) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil || r.off+8 > len(r.b) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *reader) i32() int32   { return int32(r.u32()) }
func (r *reader) i64() int64   { return int64(r.u64()) }
func (r *reader) f64() float64 { return math.Float64frombits(r.u64()) }

func (r *reader) str() string {
	if r.err != nil {
		return ""
	}
	for i := r.off; i < len(r.b); i++ {
		if r.b[i] == 0 {
			s := string(r.b[r.off:i])
			r.off = i + 1
			return s
		}
	}
	r.fail()
	return ""
}

func (r *reader) bytes() []byte {
	n := int(r.u32())
	if r.err != nil || r.off+n > len(r.b) {
		r.fail()
		return nil
	}
	v := make([]byte, n)
	copy(v, r.b[r.off:r.off+n])
	r.off += n
	return v
}

func (r *reader) nodes() []NodeID {
	n := int(r.i32())
	if r.err != nil || n < 0 || n > len(r.b) {
		r.fail()
		return nil
	}
	if n == 0 {
		return nil
	}
	ns := make([]NodeID, 0, n)
	for i := 0; i < n; i++ {
		ns = append(ns, NodeID(r.i32()))
	}
	return ns
}

func (w *writer) stat(s *InodeStat) {
	w.u64(uint64(s.Ino))
	w.u8(uint8(s.Kind))
	w.u32(s.Mode)
	w.u32(s.UID)
	w.u32(s.GID)
	w.u64(s.Size)
	w.i64(s.Atime)
	w.i64(s.Mtime)
	w.i64(s.Ctime)
}

func (r *reader) stat() InodeStat {
	return InodeStat{
		Ino:   Ino(r.u64()),
		Kind:  InodeKind(r.u8()),
		Mode:  r.u32(),
		UID:   r.u32(),
		GID:   r.u32(),
		Size:  r.u64(),
		Atime: r.i64(),
		Mtime: r.i64(),
		Ctime: r.i64(),
	}
}

func (w *writer) discoverRec(rec *DiscoverRec) {
	w.stat(&rec.Stat)
	w.i32(int32(rec.DirAuth))
	w.nodes(rec.CachedBy)
	w.u8(uint8(rec.DirRep))
	w.nodes(rec.DirRepBy)
	w.boolean(rec.SyncByAuth)
	w.boolean(rec.SoftAsync)
	w.boolean(rec.LockByAuth)
}

func (r *reader) discoverRec() DiscoverRec {
	return DiscoverRec{
		Stat:       r.stat(),
		DirAuth:    NodeID(r.i32()),
		CachedBy:   r.nodes(),
		DirRep:     DirRep(r.u8()),
		DirRepBy:   r.nodes(),
		SyncByAuth: r.boolean(),
		SoftAsync:  r.boolean(),
		LockByAuth: r.boolean(),
	}
}

// MarshalStat encodes a bare attribute record (store values, journal
// payloads).
func MarshalStat(s *InodeStat) []byte {
	w := &writer{b: make([]byte, 0, 64)}
	w.stat(s)
	return w.b
}

// UnmarshalStat decodes a bare attribute record.
func UnmarshalStat(b []byte) (InodeStat, error) {
	r := &reader{b: b}
	s := r.stat()
	return s, r.err
}

// Marshal encodes an envelope for the wire. The returned frame comes from
// the shared byte pool; the transport owning it calls FreeFrame once it has
// been consumed.
func (e *Envelope) Marshal() []byte {
	w := &writer{b: util.GetBuffer(64)[:0]}
	w.u8(uint8(e.Source.Kind))
	w.i32(e.Source.ID)
	w.u8(uint8(e.Dest.Kind))
	w.i32(e.Dest.ID)
	w.u8(uint8(e.SourcePort))
	w.u8(uint8(e.DestPort))
	w.u8(uint8(e.Msg.Type()))
	marshalMsg(w, e.Msg)
	return w.b
}

// FreeFrame returns an encoded frame to the byte pool. Decoding copies
// everything out, so a frame may be freed as soon as it has been delivered.
func FreeFrame(b []byte) {
	util.PutBuffer(b)
}

// UnmarshalEnvelope decodes an envelope from the wire.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	r := &reader{b: b}
	e := &Envelope{}
	e.Source.Kind = AddrKind(r.u8())
	e.Source.ID = r.i32()
	e.Dest.Kind = AddrKind(r.u8())
	e.Dest.ID = r.i32()
	e.SourcePort = Port(r.u8())
	e.DestPort = Port(r.u8())
	t := MsgType(r.u8())
	m, err := unmarshalMsg(r, t)
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	e.Msg = m
	return e, nil
}

func marshalMsg(w *writer, m Msg) {
	switch m := m.(type) {
	case *Discover:
		w.i32(int32(m.Asker))
		w.str(m.BasePath)
		w.i32(int32(len(m.Want)))
		for _, s := range m.Want {
			w.str(s)
		}
		w.i32(int32(len(m.Trace)))
		for i := range m.Trace {
			w.discoverRec(&m.Trace[i])
		}
		w.boolean(m.JustRoot)
	case *InodeUpdate:
		w.stat(&m.Stat)
		w.i32(int32(m.DirAuth))
		w.nodes(m.CachedBy)
	case *DirUpdate:
		w.u64(uint64(m.Ino))
		w.u8(uint8(m.DirRep))
		w.nodes(m.DirRepBy)
	case *InodeExpire:
		w.u64(uint64(m.Ino))
		w.i32(int32(m.From))
		w.boolean(m.Soft)
		w.i32(m.Hops)
	case *InodeSyncStart:
		w.u64(uint64(m.Ino))
		w.i32(int32(m.Asker))
	case *InodeSyncAck:
		w.u64(uint64(m.Ino))
		w.boolean(m.DidHave)
		w.boolean(m.WantBack)
		w.boolean(m.HaveStat)
		w.stat(&m.Stat)
	case *InodeSyncRelease:
		w.u64(uint64(m.Ino))
	case *InodeSyncRecall:
		w.u64(uint64(m.Ino))
	case *InodeLockStart:
		w.u64(uint64(m.Ino))
		w.i32(int32(m.Asker))
	case *InodeLockAck:
		w.u64(uint64(m.Ino))
		w.boolean(m.DidHave)
	case *InodeLockRelease:
		w.u64(uint64(m.Ino))
	case *ExportDirPrep:
		w.u64(uint64(m.Ino))
		w.str(m.Path)
	case *ExportDirPrepAck:
		w.u64(uint64(m.Ino))
	case *ExportDir:
		w.u64(uint64(m.Ino))
		w.i32(m.NDirs)
		w.f64(m.Pop)
		w.bytes(m.Blob)
	case *ExportDirAck:
		w.u64(uint64(m.Ino))
	case *ExportDirNotify:
		w.str(m.Path)
		w.i32(int32(m.NewAuth))
	case *InodeGetReplica:
		w.u64(uint64(m.Ino))
	case *InodeGetReplicaAck:
		w.u64(uint64(m.Ino))
	case *HashDir:
		w.str(m.Path)
		w.bytes(m.Blob)
	case *HashDirAck:
		w.u64(uint64(m.Ino))
	case *UnhashDir:
		w.str(m.Path)
	case *UnhashDirAck:
		w.u64(uint64(m.Ino))
		w.bytes(m.Blob)
	case *ClientOp:
		w.u8(uint8(m.Op))
		w.i32(m.Client)
		w.str(m.Path)
		w.u64(m.Size)
		w.u32(m.Mode)
	case *ClientOpAck:
		w.i32(m.Err)
		w.stat(&m.Stat)
	default:
		panic("proto: marshal of unknown message type")
	}
}

func unmarshalMsg(r *reader, t MsgType) (Msg, error) {
	switch t {
	case MsgDiscover:
		m := &Discover{}
		m.Asker = NodeID(r.i32())
		m.BasePath = r.str()
		nwant := int(r.i32())
		for i := 0; i < nwant && r.err == nil; i++ {
			m.Want = append(m.Want, r.str())
		}
		ntrace := int(r.i32())
		for i := 0; i < ntrace && r.err == nil; i++ {
			m.Trace = append(m.Trace, r.discoverRec())
		}
		m.JustRoot = r.boolean()
		return m, r.err
	case MsgInodeUpdate:
		return &InodeUpdate{Stat: r.stat(), DirAuth: NodeID(r.i32()), CachedBy: r.nodes()}, r.err
	case MsgDirUpdate:
		return &DirUpdate{Ino: Ino(r.u64()), DirRep: DirRep(r.u8()), DirRepBy: r.nodes()}, r.err
	case MsgInodeExpire:
		return &InodeExpire{Ino: Ino(r.u64()), From: NodeID(r.i32()), Soft: r.boolean(), Hops: r.i32()}, r.err
	case MsgInodeSyncStart:
		return &InodeSyncStart{Ino: Ino(r.u64()), Asker: NodeID(r.i32())}, r.err
	case MsgInodeSyncAck:
		return &InodeSyncAck{Ino: Ino(r.u64()), DidHave: r.boolean(), WantBack: r.boolean(), HaveStat: r.boolean(), Stat: r.stat()}, r.err
	case MsgInodeSyncRelease:
		return &InodeSyncRelease{Ino: Ino(r.u64())}, r.err
	case MsgInodeSyncRecall:
		return &InodeSyncRecall{Ino: Ino(r.u64())}, r.err
	case MsgInodeLockStart:
		return &InodeLockStart{Ino: Ino(r.u64()), Asker: NodeID(r.i32())}, r.err
	case MsgInodeLockAck:
		return &InodeLockAck{Ino: Ino(r.u64()), DidHave: r.boolean()}, r.err
	case MsgInodeLockRelease:
		return &InodeLockRelease{Ino: Ino(r.u64())}, r.err
	case MsgExportDirPrep:
		return &ExportDirPrep{Ino: Ino(r.u64()), Path: r.str()}, r.err
	case MsgExportDirPrepAck:
		return &ExportDirPrepAck{Ino: Ino(r.u64())}, r.err
	case MsgExportDir:
		return &ExportDir{Ino: Ino(r.u64()), NDirs: r.i32(), Pop: r.f64(), Blob: r.bytes()}, r.err
	case MsgExportDirAck:
		return &ExportDirAck{Ino: Ino(r.u64())}, r.err
	case MsgExportDirNotify:
		return &ExportDirNotify{Path: r.str(), NewAuth: NodeID(r.i32())}, r.err
	case MsgInodeGetReplica:
		return &InodeGetReplica{Ino: Ino(r.u64())}, r.err
	case MsgInodeGetReplicaAck:
		return &InodeGetReplicaAck{Ino: Ino(r.u64())}, r.err
	case MsgHashDir:
		return &HashDir{Path: r.str(), Blob: r.bytes()}, r.err
	case MsgHashDirAck:
		return &HashDirAck{Ino: Ino(r.u64())}, r.err
	case MsgUnhashDir:
		return &UnhashDir{Path: r.str()}, r.err
	case MsgUnhashDirAck:
		return &UnhashDirAck{Ino: Ino(r.u64()), Blob: r.bytes()}, r.err
	case MsgClientOp:
		return &ClientOp{Op: OpType(r.u8()), Client: r.i32(), Path: r.str(), Size: r.u64(), Mode: r.u32()}, r.err
	case MsgClientOpAck:
		return &ClientOpAck{Err: r.i32(), Stat: r.stat()}, r.err
	default:
		return nil, ErrUnknownMsgType
	}
}
