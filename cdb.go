package simstring

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// On-disk hash chunk. The layout is a constant-database variant: a 16-byte
// header, 256 table references, the key/value records, then 256 open
// addressing hash tables sized at twice their occupancy.
//
//	[ header: magic "CDBM", version u32, size u32, byteorder u32 ]
//	[ 256 x { offset u32, num u32 } ]
//	[ records: { ksize u32, key, vsize u32, value } ... ]
//	[ tables:  { hash u32, offset u32 } ... ]
//
// All integers are little-endian. Offset 0 marks a vacant table slot; no
// record can live at offset 0 because the header occupies it.
const (
	chunkMagic   = "CDBM"
	chunkVersion = 1
	numTables    = 256

	chunkHeaderSize = 16
	tableRefSize    = 8
	bucketSize      = 8

	// dataBegin is the chunk-relative offset of the first record.
	dataBegin = chunkHeaderSize + numTables*tableRefSize
)

type bucket struct {
	hash   uint32
	offset uint32
}

// chunkWriter streams records into ws and lays down the hash tables and
// header on close. Records are written immediately; only the (hash, offset)
// pairs are buffered in memory.
type chunkWriter struct {
	ws     io.WriteSeeker
	begin  uint32 // stream offset at which the chunk starts
	cur    uint32 // chunk-relative offset of the next record
	tables [numTables][]bucket
}

func newChunkWriter(ws io.WriteSeeker) (*chunkWriter, error) {
	begin, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	// Leave room for the header and table references.
	if _, err := ws.Seek(begin+dataBegin, io.SeekStart); err != nil {
		return nil, err
	}
	return &chunkWriter{
		ws:    ws,
		begin: uint32(begin),
		cur:   dataBegin,
	}, nil
}

// put appends one record. Keys must be unique; the writer does not check.
func (c *chunkWriter) put(key, value []byte) error {
	rec := make([]byte, 0, 8+len(key)+len(value))
	rec = binary.LittleEndian.AppendUint32(rec, uint32(len(key)))
	rec = append(rec, key...)
	rec = binary.LittleEndian.AppendUint32(rec, uint32(len(value)))
	rec = append(rec, value...)
	if _, err := c.ws.Write(rec); err != nil {
		return err
	}

	h := superFastHash(key)
	t := h % numTables
	c.tables[t] = append(c.tables[t], bucket{hash: h, offset: c.cur})
	c.cur += uint32(len(rec))
	return nil
}

// close writes the hash tables, the table references and the header, and
// leaves the stream positioned at the end of the chunk.
func (c *chunkWriter) close() error {
	pos, err := c.ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if uint32(pos) != c.begin+c.cur {
		return fmt.Errorf("%w: inconsistent stream offset: at %d, want %d",
			ErrFormatCorruption, pos, c.begin+c.cur)
	}

	// Lay each non-empty table out at twice its occupancy, placing
	// entries by linear probing on the vacant test offset==0.
	var refs [numTables]tableRef
	for t := range c.tables {
		entries := c.tables[t]
		if len(entries) == 0 {
			continue
		}
		n := 2 * len(entries)
		slots := make([]bucket, n)
		for _, e := range entries {
			k := int(e.hash>>8) % n
			for slots[k].offset != 0 {
				k = (k + 1) % n
			}
			slots[k] = e
		}

		var buf bytes.Buffer
		buf.Grow(n * bucketSize)
		for _, s := range slots {
			var b [bucketSize]byte
			binary.LittleEndian.PutUint32(b[0:], s.hash)
			binary.LittleEndian.PutUint32(b[4:], s.offset)
			buf.Write(b[:])
		}
		if _, err := c.ws.Write(buf.Bytes()); err != nil {
			return err
		}
		refs[t] = tableRef{offset: c.cur, num: uint32(n)}
		c.cur += uint32(n * bucketSize)
	}

	// Rewind and fill in the header and table references.
	if _, err := c.ws.Seek(int64(c.begin), io.SeekStart); err != nil {
		return err
	}
	head := make([]byte, 0, dataBegin)
	head = append(head, chunkMagic...)
	head = binary.LittleEndian.AppendUint32(head, chunkVersion)
	head = binary.LittleEndian.AppendUint32(head, c.cur)
	head = binary.LittleEndian.AppendUint32(head, byteOrderCheck)
	for t := range refs {
		head = binary.LittleEndian.AppendUint32(head, refs[t].offset)
		head = binary.LittleEndian.AppendUint32(head, refs[t].num)
	}
	if _, err := c.ws.Write(head); err != nil {
		return err
	}

	_, err = c.ws.Seek(int64(c.begin+c.cur), io.SeekStart)
	return err
}

// tableRef locates one hash table within a mapped chunk.
type tableRef struct {
	offset uint32
	num    uint32
}

// chunkReader serves lookups from a memory-mapped chunk image. Values
// returned by get are views into the image and stay valid only while the
// mapping lives.
type chunkReader struct {
	data []byte
	refs [numTables]tableRef
}

func newChunkReader(data []byte) (*chunkReader, error) {
	if len(data) < dataBegin {
		return nil, fmt.Errorf("%w: chunk smaller than its header region", ErrFormatCorruption)
	}
	if string(data[:4]) != chunkMagic {
		return nil, fmt.Errorf("%w: bad chunk magic", ErrOpenFailure)
	}
	version := binary.LittleEndian.Uint32(data[4:])
	size := binary.LittleEndian.Uint32(data[8:])
	byteorder := binary.LittleEndian.Uint32(data[12:])
	if byteorder != byteOrderCheck {
		return nil, fmt.Errorf("%w: incompatible byte order", ErrOpenFailure)
	}
	if version != chunkVersion {
		return nil, fmt.Errorf("%w: chunk version %d, want %d", ErrOpenFailure, version, chunkVersion)
	}
	if uint64(size) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: chunk size %d exceeds image size %d", ErrFormatCorruption, size, len(data))
	}

	r := &chunkReader{data: data[:size]}
	for t := 0; t < numTables; t++ {
		off := chunkHeaderSize + t*tableRefSize
		r.refs[t] = tableRef{
			offset: binary.LittleEndian.Uint32(data[off:]),
			num:    binary.LittleEndian.Uint32(data[off+4:]),
		}
		if r.refs[t].offset != 0 {
			end := uint64(r.refs[t].offset) + uint64(r.refs[t].num)*bucketSize
			if end > uint64(size) {
				return nil, fmt.Errorf("%w: hash table %d ends at %d beyond chunk size %d",
					ErrFormatCorruption, t, end, size)
			}
		}
	}
	return r, nil
}

// get looks up key and returns a view of its value. The probe starts at
// (hash>>8) mod num and walks linearly; a zero offset marks a vacant slot
// and ends the probe. Probing never leaves the table because tables are
// sized at twice their occupancy.
func (r *chunkReader) get(key []byte) ([]byte, bool, error) {
	h := superFastHash(key)
	ref := r.refs[h%numTables]
	if ref.num == 0 || ref.offset == 0 {
		return nil, false, nil
	}

	n := ref.num
	k := (h >> 8) % n
	for probes := uint32(0); probes < n; probes++ {
		slot := ref.offset + k*bucketSize
		slotHash := binary.LittleEndian.Uint32(r.data[slot:])
		slotOff := binary.LittleEndian.Uint32(r.data[slot+4:])
		if slotOff == 0 {
			return nil, false, nil
		}
		if slotHash == h {
			val, ok, err := r.record(slotOff, key)
			if err != nil {
				return nil, false, err
			}
			if ok {
				return val, true, nil
			}
		}
		k = (k + 1) % n
	}
	// Every slot occupied: impossible for a well-formed chunk.
	return nil, false, fmt.Errorf("%w: hash table probe exhausted", ErrFormatCorruption)
}

func (r *chunkReader) record(off uint32, key []byte) ([]byte, bool, error) {
	if uint64(off)+4 > uint64(len(r.data)) {
		return nil, false, fmt.Errorf("%w: record offset %d out of bounds", ErrFormatCorruption, off)
	}
	ksize := binary.LittleEndian.Uint32(r.data[off:])
	keyEnd := uint64(off) + 4 + uint64(ksize)
	if keyEnd+4 > uint64(len(r.data)) {
		return nil, false, fmt.Errorf("%w: record at %d out of bounds", ErrFormatCorruption, off)
	}
	if int(ksize) != len(key) || !bytes.Equal(r.data[off+4:keyEnd], key) {
		return nil, false, nil
	}
	vsize := binary.LittleEndian.Uint32(r.data[keyEnd:])
	valEnd := keyEnd + 4 + uint64(vsize)
	if valEnd > uint64(len(r.data)) {
		return nil, false, fmt.Errorf("%w: value at %d out of bounds", ErrFormatCorruption, keyEnd)
	}
	return r.data[keyEnd+4 : valEnd], true, nil
}
