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
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// Reader answers similarity queries against a database built by a Writer.
// The master file is memory-mapped on open; the per-cardinality hash chunks
// are mapped lazily on first use. Retrieve and Check may be called from
// multiple goroutines; the lazy chunk opens are guarded per slot.
type Reader struct {
	name   string
	master *mmapFile
	gen    ngramConfig

	numEntries uint32
	maxSize    int

	// slots[l-1] holds the lazily opened index for cardinality l.
	slots []indexSlot

	mu     sync.Mutex
	closed bool
}

type indexSlot struct {
	once  sync.Once
	file  *mmapFile
	chunk *chunkReader
	err   error
}

// NewReader opens the database at path. The n-gram unit, padded flag and
// character size are read back from the master header.
func NewReader(path string) (*Reader, error) {
	master, err := openMmapFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailure, err)
	}

	r, err := newReader(path, master)
	if err != nil {
		master.Close()
		return nil, err
	}
	return r, nil
}

func newReader(path string, master *mmapFile) (*Reader, error) {
	data := master.Bytes()
	if len(data) < masterHeaderSize {
		return nil, fmt.Errorf("%w: master file smaller than its header", ErrOpenFailure)
	}
	if string(data[:4]) != masterMagic {
		return nil, fmt.Errorf("%w: bad master magic", ErrOpenFailure)
	}
	// The byte order check comes before any other field is interpreted.
	if binary.LittleEndian.Uint32(data[4:]) != byteOrderCheck {
		return nil, fmt.Errorf("%w: incompatible byte order", ErrOpenFailure)
	}
	if v := binary.LittleEndian.Uint32(data[8:]); v != StreamVersion {
		return nil, fmt.Errorf("%w: stream version %d, want %d", ErrOpenFailure, v, StreamVersion)
	}
	if sz := binary.LittleEndian.Uint32(data[12:]); sz != uint32(len(data)) {
		return nil, fmt.Errorf("%w: header size %d, file size %d", ErrFormatCorruption, sz, len(data))
	}

	charSize := int(binary.LittleEndian.Uint32(data[16:]))
	cod, err := newCodec(charSize)
	if err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(data[20:]))
	if n < 1 {
		return nil, fmt.Errorf("%w: n-gram unit %d out of range", ErrFormatCorruption, n)
	}
	padded := binary.LittleEndian.Uint32(data[24:]) != 0
	numEntries := binary.LittleEndian.Uint32(data[28:])
	maxSize := int(binary.LittleEndian.Uint32(data[32:]))

	return &Reader{
		name:       path,
		master:     master,
		gen:        ngramConfig{n: n, padded: padded, codec: cod},
		numEntries: numEntries,
		maxSize:    maxSize,
		slots:      make([]indexSlot, maxSize),
	}, nil
}

// NumEntries returns the number of strings in the database.
func (r *Reader) NumEntries() int { return int(r.numEntries) }

// CharSize returns the code-unit byte width the database was built with.
func (r *Reader) CharSize() int { return r.gen.codec.width }

// NgramUnit returns the n-gram unit the database was built with.
func (r *Reader) NgramUnit() int { return r.gen.n }

// Padded reports whether the database was built with begin/end marks.
func (r *Reader) Padded() bool { return r.gen.padded }

// index returns the hash chunk for cardinality l, mapping it on first use.
// A missing chunk file means no string of that cardinality was indexed and
// yields (nil, nil).
func (r *Reader) index(l int) (*chunkReader, error) {
	if l < 1 || l > len(r.slots) {
		return nil, nil
	}
	slot := &r.slots[l-1]
	slot.once.Do(func() {
		name := chunkName(r.name, l)
		file, err := openMmapFile(name)
		if err != nil {
			if os.IsNotExist(err) {
				return
			}
			slot.err = fmt.Errorf("%w: %v", ErrOpenFailure, err)
			return
		}
		chunk, err := newChunkReader(file.Bytes())
		if err != nil {
			file.Close()
			slot.err = fmt.Errorf("opening %s: %w", name, err)
			return
		}
		slot.file = file
		slot.chunk = chunk
	})
	return slot.chunk, slot.err
}

// resolve reads the null-terminated string whose first code unit sits at
// byte offset id of the master image.
func (r *Reader) resolve(id uint32) (string, error) {
	data := r.master.Bytes()
	w := r.gen.codec.width
	if id < masterHeaderSize || int(id) >= len(data) || int(id-masterHeaderSize)%w != 0 {
		return "", fmt.Errorf("%w: string id %d out of bounds", ErrFormatCorruption, id)
	}
	end := int(id)
	for {
		if end+w > len(data) {
			return "", fmt.Errorf("%w: unterminated string at id %d", ErrFormatCorruption, id)
		}
		if r.gen.codec.isNull(data, end) {
			break
		}
		end += w
	}
	return r.gen.codec.decode(data[id:end])
}

// Close unmaps the master file and every chunk opened so far. Closing an
// already-closed Reader is a no-op.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	for i := range r.slots {
		slot := &r.slots[i]
		// Mark untouched slots as spent so no open can race the unmap.
		slot.once.Do(func() {})
		if slot.file != nil {
			slot.file.Close()
			slot.file = nil
			slot.chunk = nil
		}
	}
	r.master.Close()
	return nil
}
