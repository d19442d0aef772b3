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

// Ino is a cluster-wide unique inode number.
type Ino uint64

// RootIno is the inode number of the filesystem root.
const RootIno Ino = 1

// NodeID is an MDS rank within the cluster.
type NodeID int32

// AuthParent is the dir_auth sentinel meaning "inherit authority from the
// parent subtree".
const AuthParent NodeID = -1

// Port routes an envelope to a subsystem within an MDS process.
type Port uint8

const (
	PortMain Port = iota
	PortCache
	PortClient
)

// InodeKind distinguishes regular files, normal directories and directories
// whose entries are sharded across the cluster by name hash.
type InodeKind uint8

const (
	KindRegular InodeKind = iota
	KindDir
	KindHashedDir
)

func (k InodeKind) IsDir() bool { return k == KindDir || k == KindHashedDir }

// InodeStat is the POSIX-like attribute record shared on the wire.
type InodeStat struct {
	Ino   Ino
	Kind  InodeKind
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  uint64
	Atime int64
	Mtime int64
	Ctime int64
}

// DirRep is a directory replication policy.
type DirRep uint8

const (
	DirRepNone DirRep = iota
	DirRepAll
	DirRepList
)

// AddrKind says whether an address names an MDS or a client.
type AddrKind uint8

const (
	AddrMDS AddrKind = iota
	AddrClient
)

// Addr is a message endpoint.
type Addr struct {
	Kind AddrKind
	ID   int32
}

func MDS(id NodeID) Addr      { return Addr{Kind: AddrMDS, ID: int32(id)} }
func Client(id int32) Addr    { return Addr{Kind: AddrClient, ID: id} }
func (a Addr) IsClient() bool { return a.Kind == AddrClient }

// Node returns the MDS rank of a non-client address.
func (a Addr) Node() NodeID { return NodeID(a.ID) }

// Envelope is the routed wrapper around every message.
type Envelope struct {
	Source     Addr
	Dest       Addr
	SourcePort Port
	DestPort   Port
	Msg        Msg
}
