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

import "github.com/cubefs/mdcache/util"

// Export blob layout, dense little-endian, no padding:
//
//	dir block  = DirExportState fields, then ndir_rep_by int32 ranks,
//	             then nitems dentries
//	dentry     = NUL-terminated name, InodeExportState fields,
//	             then ncached_by int32 ranks
//
// An ExportDir message concatenates one dir block per directory of the
// subtree walk, depth-first, root first. Hash share blobs are a bare dentry
// sequence with no dir header.

// DirExportState is the per-directory header of the export walk.
type DirExportState struct {
	Ino      Ino
	NItems   int32
	Version  uint64
	State    uint32
	DirRep   DirRep
	Pop      float64
	DirRepBy []NodeID
}

// InodeExportState carries the full authoritative inode state across a
// migration. SyncByMe/LockByMe are intentionally dropped: coherence state
// does not survive an authority transfer, only the SoftAsync regime does.
type InodeExportState struct {
	Stat      InodeStat
	DirAuth   NodeID
	Version   uint64
	Pop       float64
	Dirty     bool
	SoftAsync bool
	CachedBy  []NodeID
}

// BlobWriter serializes export walks and hash shares.
type BlobWriter struct {
	w     writer
	ndirs int32
}

// NewBlobWriter draws its scratch from the shared byte pool; the owner calls
// Free once the blob has been copied onto the wire.
func NewBlobWriter() *BlobWriter {
	return &BlobWriter{w: writer{b: util.GetBuffer(512)[:0]}}
}

func (bw *BlobWriter) Free() {
	util.PutBuffer(bw.w.b)
	bw.w.b = nil
}

func (bw *BlobWriter) BeginDir(ds *DirExportState) {
	bw.ndirs++
	bw.w.u64(uint64(ds.Ino))
	bw.w.i32(ds.NItems)
	bw.w.u64(ds.Version)
	bw.w.u32(ds.State)
	bw.w.u8(uint8(ds.DirRep))
	bw.w.f64(ds.Pop)
	bw.w.i32(int32(len(ds.DirRepBy)))
	for _, n := range ds.DirRepBy {
		bw.w.i32(int32(n))
	}
}

func (bw *BlobWriter) Dentry(name string, is *InodeExportState) {
	bw.w.str(name)
	bw.w.stat(&is.Stat)
	bw.w.i32(int32(is.DirAuth))
	bw.w.u64(is.Version)
	bw.w.f64(is.Pop)
	bw.w.boolean(is.Dirty)
	bw.w.boolean(is.SoftAsync)
	bw.w.i32(int32(len(is.CachedBy)))
	for _, n := range is.CachedBy {
		bw.w.i32(int32(n))
	}
}

func (bw *BlobWriter) NDirs() int32  { return bw.ndirs }
func (bw *BlobWriter) Bytes() []byte { return bw.w.b }

// BlobReader walks a serialized export blob.
type BlobReader struct {
	r reader
}

func NewBlobReader(b []byte) *BlobReader {
	return &BlobReader{r: reader{b: b}}
}

func (br *BlobReader) More() bool {
	return br.r.err == nil && br.r.off < len(br.r.b)
}

func (br *BlobReader) Err() error { return br.r.err }

func (br *BlobReader) ReadDir() (DirExportState, error) {
	ds := DirExportState{
		Ino:     Ino(br.r.u64()),
		NItems:  br.r.i32(),
		Version: br.r.u64(),
		State:   br.r.u32(),
		DirRep:  DirRep(br.r.u8()),
		Pop:     br.r.f64(),
	}
	nrep := int(br.r.i32())
	for i := 0; i < nrep && br.r.err == nil; i++ {
		ds.DirRepBy = append(ds.DirRepBy, NodeID(br.r.i32()))
	}
	return ds, br.r.err
}

func (br *BlobReader) ReadDentry() (string, InodeExportState, error) {
	name := br.r.str()
	is := InodeExportState{
		Stat:      br.r.stat(),
		DirAuth:   NodeID(br.r.i32()),
		Version:   br.r.u64(),
		Pop:       br.r.f64(),
		Dirty:     br.r.boolean(),
		SoftAsync: br.r.boolean(),
	}
	ncby := int(br.r.i32())
	for i := 0; i < ncby && br.r.err == nil; i++ {
		is.CachedBy = append(is.CachedBy, NodeID(br.r.i32()))
	}
	return name, is, br.r.err
}
