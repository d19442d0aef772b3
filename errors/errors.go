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

package errors

import "errors"

var (
	// ErrNotDir: a path component is not a directory.
	ErrNotDir = errors.New("not a directory")
	// ErrNoEnt: the name does not exist on its authority.
	ErrNoEnt = errors.New("no such entry")
	// ErrNotAuth: this MDS is not the authority; the caller decides whether
	// to forward, discover, or fail.
	ErrNotAuth = errors.New("not the authority")

	ErrInoDoesNotExist  = errors.New("ino does not exist")
	ErrDirNotFetched    = errors.New("directory not fetched")
	ErrExportRoot       = errors.New("cannot export root")
	ErrExportToSelf     = errors.New("cannot export to self")
	ErrExportBusy       = errors.New("subtree is freezing or frozen")
	ErrNodeDoesNotExist = errors.New("node not found")
)
