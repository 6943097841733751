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
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func buildDB(t *testing.T, opts WriterOptions, strs ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db")
	w, err := NewWriter(path, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, s := range strs {
		if err := w.Insert(s); err != nil {
			t.Fatalf("Insert(%q): %v", s, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestReadWrite(t *testing.T) {
	path := buildDB(t, WriterOptions{N: 3}, "abcdef", "abcxyz", "qrstuv")

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if got := r.NumEntries(); got != 3 {
		t.Errorf("NumEntries = %d, want 3", got)
	}
	if got := r.NgramUnit(); got != 3 {
		t.Errorf("NgramUnit = %d, want 3", got)
	}
	if r.Padded() {
		t.Errorf("Padded = true, want false")
	}
	if got := r.CharSize(); got != 1 {
		t.Errorf("CharSize = %d, want 1", got)
	}
	// Every indexed string has 4 trigrams.
	if got := r.maxSize; got != 4 {
		t.Errorf("maxSize = %d, want 4", got)
	}
}

func TestIDsAreInsertionOffsets(t *testing.T) {
	strs := []string{"abcdef", "abcxyz", "qrstuv"}
	path := buildDB(t, WriterOptions{N: 3}, strs...)

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	// Ids equal the insertion offsets: header, then each string plus its
	// terminator.
	id := uint32(masterHeaderSize)
	for _, want := range strs {
		got, err := r.resolve(id)
		if err != nil {
			t.Fatalf("resolve(%d): %v", id, err)
		}
		if got != want {
			t.Errorf("resolve(%d) = %q, want %q", id, got, want)
		}
		id += uint32(len(want) + 1)
	}
}

func TestPostingListsAscend(t *testing.T) {
	// All strings share the gram "abc" and have the same cardinality.
	strs := []string{"abcv", "abcw", "abcx", "abcy", "abcz"}
	path := buildDB(t, WriterOptions{N: 3}, strs...)

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	chunk, err := r.index(2)
	if err != nil {
		t.Fatalf("index(2): %v", err)
	}
	if chunk == nil {
		t.Fatalf("index for cardinality 2 missing")
	}
	val, ok, err := chunk.get([]byte("abc"))
	if err != nil || !ok {
		t.Fatalf("get(abc) = %v, %v", ok, err)
	}
	p := postingList{data: val, num: len(val) / 4}
	if p.num != len(strs) {
		t.Fatalf("posting list has %d ids, want %d", p.num, len(strs))
	}
	for i := 1; i < p.num; i++ {
		if p.at(i-1) >= p.at(i) {
			t.Errorf("posting list not strictly ascending at %d: %d >= %d",
				i, p.at(i-1), p.at(i))
		}
	}
}

func TestMissingIndexIsSkipped(t *testing.T) {
	path := buildDB(t, WriterOptions{N: 3}, "abcdef")

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	// Cardinality 1 was never indexed: no file, no error.
	chunk, err := r.index(1)
	if err != nil {
		t.Fatalf("index(1): %v", err)
	}
	if chunk != nil {
		t.Errorf("index(1) = %v, want nil", chunk)
	}
}

func TestOpenRefusals(t *testing.T) {
	path := buildDB(t, WriterOptions{N: 3}, "abcdef")
	valid, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	write := func(t *testing.T, data []byte) string {
		p := filepath.Join(t.TempDir(), "db")
		if err := os.WriteFile(p, data, 0o600); err != nil {
			t.Fatal(err)
		}
		return p
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := NewReader(filepath.Join(t.TempDir(), "nope"))
		if !errors.Is(err, ErrOpenFailure) {
			t.Errorf("err = %v, want ErrOpenFailure", err)
		}
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		copy(bad, "NOPE")
		_, err := NewReader(write(t, bad))
		if !errors.Is(err, ErrOpenFailure) {
			t.Errorf("err = %v, want ErrOpenFailure", err)
		}
	})

	t.Run("foreign byte order", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		binary.BigEndian.PutUint32(bad[4:], byteOrderCheck)
		// Poison the remaining header fields: the byte-order refusal
		// must come before any of them is interpreted.
		for i := 8; i < masterHeaderSize; i++ {
			bad[i] = 0xff
		}
		_, err := NewReader(write(t, bad))
		if !errors.Is(err, ErrOpenFailure) {
			t.Errorf("err = %v, want ErrOpenFailure", err)
		}
	})

	t.Run("bad stream version", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint32(bad[8:], 99)
		_, err := NewReader(write(t, bad))
		if !errors.Is(err, ErrOpenFailure) {
			t.Errorf("err = %v, want ErrOpenFailure", err)
		}
	})

	t.Run("bad char size", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint32(bad[16:], 3)
		_, err := NewReader(write(t, bad))
		if !errors.Is(err, ErrOpenFailure) {
			t.Errorf("err = %v, want ErrOpenFailure", err)
		}
	})

	t.Run("size mismatch", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		bad = append(bad, 0)
		_, err := NewReader(write(t, bad))
		if !errors.Is(err, ErrFormatCorruption) {
			t.Errorf("err = %v, want ErrFormatCorruption", err)
		}
	})

	t.Run("truncated header", func(t *testing.T) {
		_, err := NewReader(write(t, valid[:10]))
		if !errors.Is(err, ErrOpenFailure) {
			t.Errorf("err = %v, want ErrOpenFailure", err)
		}
	})
}

func TestReaderCloseIdempotent(t *testing.T) {
	path := buildDB(t, WriterOptions{N: 3}, "abcdef")
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
