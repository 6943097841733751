// Copyright 2016 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package simstring

import (
	"fmt"
	"log"
	"math"
	"os"
	"runtime"

	// cross-platform memory-mapped file package.
	mmap "github.com/edsrzf/mmap-go"
)

// mmapFile is a read-only memory-mapped view of a database file. The master
// file and every hash chunk are accessed through one of these; posting
// lists are views into the mapping and stay valid only until Close.
// Resolved strings are copies.
type mmapFile struct {
	name string
	size uint32
	data mmap.MMap
}

func (f *mmapFile) Bytes() []byte {
	return f.data[:f.size]
}

func (f *mmapFile) Name() string {
	return f.name
}

func (f *mmapFile) Close() {
	if err := f.data.Unmap(); err != nil {
		log.Printf("WARN failed to memory unmap %s: %v", f.name, err)
	}
}

func bufferSize(f *mmapFile) int {
	// On Unix/Linux, mmap likes to allocate memory in
	// page-sized chunks, so round up to the OS page size.
	// mmap will zero-fill the extra bytes.
	// On Windows, the Windows API CreateFileMapping method
	// requires a buffer the same size as the file.
	bsize := int(f.size)
	if runtime.GOOS != "windows" {
		pagesize := os.Getpagesize() - 1
		bsize = (bsize + pagesize) &^ pagesize
	}
	return bsize
}

// openMmapFile maps the file at path read-only.
func openMmapFile(path string) (*mmapFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	sz := fi.Size()
	if sz >= math.MaxUint32 {
		return nil, fmt.Errorf("file %s too large: %d", f.Name(), sz)
	}
	r := &mmapFile{
		name: f.Name(),
		size: uint32(sz),
	}

	r.data, err = mmap.MapRegion(f, bufferSize(r), mmap.RDONLY, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("openMmapFile: unable to memory map %s: %w", f.Name(), err)
	}

	return r, nil
}
