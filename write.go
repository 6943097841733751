package simstring

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"
)

// masterHeaderSize is the byte size of the master file header: magic,
// byte-order sentinel, stream version, total size, character size, n-gram
// unit, padded flag, entry count, and the maximum feature cardinality.
const masterHeaderSize = 36

// WriterOptions fixes the database-wide featurization properties.
type WriterOptions struct {
	// N is the n-gram unit. Defaults to 3.
	N int
	// Padded prepends and appends n-1 sentinel marks to every string, so
	// matches near string edges weigh in.
	Padded bool
	// CharSize is the code-unit byte width: 1 (bytes), 2 (UTF-16) or
	// 4 (UTF-32). Defaults to 1.
	CharSize int
}

// Writer builds a string database. Strings are appended to the master file
// as they are inserted; one inverted index per feature cardinality grows in
// memory and is persisted as a hash chunk on Close.
//
// A Writer is not safe for concurrent use. Opening two Writers on the same
// path at once is the caller's responsibility to avoid.
type Writer struct {
	name string
	gen  ngramConfig

	f   *os.File
	bw  *bufio.Writer
	off uint32

	// indexes[l-1] maps each n-gram to the ids of the strings of feature
	// cardinality l containing it. Ids ascend within every posting list
	// because they are assigned in insertion order.
	indexes    []map[string][]uint32
	numEntries uint32

	err    error
	closed bool
}

// NewWriter creates the master file at path and prepares an empty database.
func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	if opts.N == 0 {
		opts.N = 3
	}
	if opts.CharSize == 0 {
		opts.CharSize = 1
	}
	if opts.N < 1 {
		return nil, fmt.Errorf("%w: n-gram unit %d out of range", ErrOpenFailure, opts.N)
	}
	cod, err := newCodec(opts.CharSize)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailure, err)
	}

	w := &Writer{
		name: path,
		gen:  ngramConfig{n: opts.N, padded: opts.Padded, codec: cod},
		f:    f,
		bw:   bufio.NewWriter(f),
		off:  masterHeaderSize,
	}

	// Reserve the header region; the real values land on Close.
	if _, err := w.bw.Write(w.header()); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenFailure, err)
	}
	return w, nil
}

func (w *Writer) header() []byte {
	h := make([]byte, 0, masterHeaderSize)
	h = append(h, masterMagic...)
	h = binary.LittleEndian.AppendUint32(h, byteOrderCheck)
	h = binary.LittleEndian.AppendUint32(h, StreamVersion)
	h = binary.LittleEndian.AppendUint32(h, w.off)
	h = binary.LittleEndian.AppendUint32(h, uint32(w.gen.codec.width))
	h = binary.LittleEndian.AppendUint32(h, uint32(w.gen.n))
	var padded uint32
	if w.gen.padded {
		padded = 1
	}
	h = binary.LittleEndian.AppendUint32(h, padded)
	h = binary.LittleEndian.AppendUint32(h, w.numEntries)
	h = binary.LittleEndian.AppendUint32(h, uint32(len(w.indexes)))
	return h
}

// Insert adds s to the database. The id assigned to s is its byte offset in
// the master file. A string with an empty feature set is rejected with
// ErrEmptyFeatures and does not advance the entry count.
func (w *Writer) Insert(s string) error {
	if w.closed {
		return fmt.Errorf("%w: writer is closed", ErrOpenFailure)
	}
	if w.err != nil {
		return w.err
	}

	units, err := w.gen.codec.encode(s)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", s, err)
	}
	feats := w.gen.features(units)
	if len(feats) == 0 {
		return fmt.Errorf("%w: %q", ErrEmptyFeatures, s)
	}

	terminated := uint64(len(units)) + uint64(w.gen.codec.width)
	if uint64(w.off)+terminated >= math.MaxUint32 {
		w.err = fmt.Errorf("master file exceeds the 32-bit id space")
		return w.err
	}

	id := w.off
	if _, err := w.bw.Write(units); err != nil {
		w.err = fmt.Errorf("writing to the master file: %w", err)
		return w.err
	}
	if _, err := w.bw.Write(make([]byte, w.gen.codec.width)); err != nil {
		w.err = fmt.Errorf("writing to the master file: %w", err)
		return w.err
	}
	w.off += uint32(terminated)

	l := len(feats)
	for len(w.indexes) < l {
		w.indexes = append(w.indexes, nil)
	}
	if w.indexes[l-1] == nil {
		w.indexes[l-1] = make(map[string][]uint32)
	}
	index := w.indexes[l-1]
	for _, g := range feats {
		index[string(g)] = append(index[string(g)], id)
	}

	w.numEntries++
	return nil
}

// Close persists every non-empty inverted index as <path>.<l>.cdb, rewrites
// the master header with the final size and maximum cardinality, and
// releases all file handles. Closing an already-closed Writer is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.bw.Flush(); err != nil && w.err == nil {
		w.err = fmt.Errorf("flushing the master file: %w", err)
	}

	for i, index := range w.indexes {
		if len(index) == 0 {
			continue
		}
		if err := w.store(i+1, index); err != nil && w.err == nil {
			w.err = err
		}
	}

	// Finalize the header.
	if _, err := w.f.Seek(0, 0); err != nil && w.err == nil {
		w.err = fmt.Errorf("seeking the master file: %w", err)
	} else if _, err := w.f.Write(w.header()); err != nil && w.err == nil {
		w.err = fmt.Errorf("rewriting the master header: %w", err)
	}

	if err := w.f.Close(); err != nil && w.err == nil {
		w.err = err
	}
	return w.err
}

// store writes one inverted index as a hash chunk. Grams are emitted in
// sorted order; each value is the packed little-endian id sequence.
func (w *Writer) store(l int, index map[string][]uint32) error {
	name := chunkName(w.name, l)
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOpenFailure, err)
	}
	defer f.Close()

	cw, err := newChunkWriter(f)
	if err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}

	grams := make([]string, 0, len(index))
	for g := range index {
		grams = append(grams, g)
	}
	sort.Strings(grams)

	for _, g := range grams {
		ids := index[g]
		val := make([]byte, 4*len(ids))
		for i, id := range ids {
			binary.LittleEndian.PutUint32(val[4*i:], id)
		}
		if err := cw.put([]byte(g), val); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	if err := cw.close(); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return f.Close()
}

// chunkName returns the path of the hash chunk holding the index for
// feature cardinality l.
func chunkName(base string, l int) string {
	return fmt.Sprintf("%s.%d.cdb", base, l)
}
