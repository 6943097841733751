package simstring

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// postingList is a borrowed view of one packed id sequence inside a mapped
// hash chunk. Ids ascend, so membership is a binary search.
type postingList struct {
	data []byte
	num  int
}

func (p postingList) at(i int) uint32 {
	return binary.LittleEndian.Uint32(p.data[4*i:])
}

func (p postingList) contains(id uint32) bool {
	i := sort.Search(p.num, func(i int) bool { return p.at(i) >= id })
	return i < p.num && p.at(i) == id
}

// candidate tracks how many query features a string id has matched so far.
type candidate struct {
	id  uint32
	num int
}

// Retrieve returns the indexed strings whose similarity with query is at
// least threshold under m. Results are grouped by ascending candidate
// cardinality; within one cardinality they come in the order they are
// admitted, which is not necessarily ascending id.
func (r *Reader) Retrieve(query string, m Measure, threshold float64) ([]string, error) {
	var out []string
	err := r.RetrieveFunc(query, m, threshold, func(s string) bool {
		out = append(out, s)
		return true
	})
	return out, err
}

// RetrieveFunc streams each hit to fn as it is admitted. Returning false
// from fn stops the retrieval early.
func (r *Reader) RetrieveFunc(query string, m Measure, threshold float64, fn func(string) bool) error {
	if err := validThreshold(m, threshold); err != nil {
		return err
	}
	units, err := r.gen.codec.encode(query)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", query, err)
	}
	feats := r.gen.features(units)
	if len(feats) == 0 {
		return nil
	}

	var resolveErr error
	if err := r.overlapJoin(feats, m, threshold, func(id uint32, l, c int) bool {
		s, err := r.resolve(id)
		if err != nil {
			resolveErr = err
			return false
		}
		return fn(s)
	}); err != nil {
		return err
	}
	return resolveErr
}

// ScoredString is a retrieval hit together with its measured similarity.
type ScoredString struct {
	String string
	Score  float64
}

// RetrieveScored is Retrieve with the similarity of each hit computed from
// its cardinality and shared-feature count.
func (r *Reader) RetrieveScored(query string, m Measure, threshold float64) ([]ScoredString, error) {
	if err := validThreshold(m, threshold); err != nil {
		return nil, err
	}
	units, err := r.gen.codec.encode(query)
	if err != nil {
		return nil, fmt.Errorf("encoding %q: %w", query, err)
	}
	feats := r.gen.features(units)
	if len(feats) == 0 {
		return nil, nil
	}
	q := len(feats)

	var out []ScoredString
	var resolveErr error
	if err := r.overlapJoin(feats, m, threshold, func(id uint32, l, c int) bool {
		s, err := r.resolve(id)
		if err != nil {
			resolveErr = err
			return false
		}
		out = append(out, ScoredString{String: s, Score: m.similarity(q, l, c)})
		return true
	}); err != nil {
		return nil, err
	}
	return out, resolveErr
}

// Check reports whether Retrieve would return at least one hit. It stops at
// the first admitted candidate.
func (r *Reader) Check(query string, m Measure, threshold float64) (bool, error) {
	if err := validThreshold(m, threshold); err != nil {
		return false, err
	}
	units, err := r.gen.codec.encode(query)
	if err != nil {
		return false, fmt.Errorf("encoding %q: %w", query, err)
	}
	feats := r.gen.features(units)
	if len(feats) == 0 {
		return false, nil
	}

	found := false
	err = r.overlapJoin(feats, m, threshold, func(id uint32, l, c int) bool {
		found = true
		return false
	})
	return found, err
}

// overlapJoin is the CPMerge kernel. For every admissible candidate
// cardinality it unions the sparsest posting lists, then intersects the
// remaining lists against the candidate set, pruning candidates that can no
// longer reach the overlap threshold. Admitted ids are streamed to emit
// with their cardinality and final match count; emit returning false ends
// the join early.
func (r *Reader) overlapJoin(feats [][]byte, m Measure, threshold float64, emit func(id uint32, l, c int) bool) error {
	q := len(feats)
	xmin := max(m.minSize(q, threshold), 1)
	xmax := min(m.maxSize(q, threshold), r.maxSize)

	for xsize := xmin; xsize <= xmax; xsize++ {
		chunk, err := r.index(xsize)
		if err != nil {
			return err
		}
		if chunk == nil {
			// No string of this cardinality was indexed.
			continue
		}

		posts := make([]postingList, q)
		for i, g := range feats {
			val, ok, err := chunk.get(g)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if len(val)%4 != 0 {
				return fmt.Errorf("%w: posting list of %d bytes", ErrFormatCorruption, len(val))
			}
			posts[i] = postingList{data: val, num: len(val) / 4}
		}

		// Touching the sparse lists first keeps the initial candidate
		// set small.
		sort.Slice(posts, func(i, j int) bool { return posts[i].num < posts[j].num })

		mmin := m.minMatch(q, xsize, threshold)
		// A qualifying candidate must appear in at least one of the
		// first minQueries lists.
		minQueries := q - mmin + 1
		if minQueries <= 0 {
			// The overlap threshold exceeds the query cardinality.
			continue
		}

		var cands []candidate
		for i := 0; i < minQueries; i++ {
			cands = mergeCounts(cands, posts[i])
		}
		if len(cands) == 0 {
			continue
		}

		for i := minQueries; i < q && len(cands) > 0; i++ {
			next := make([]candidate, 0, len(cands))
			for _, c := range cands {
				num := c.num
				if posts[i].contains(c.id) {
					num++
				}
				switch {
				case num >= mmin:
					// Count the lists not yet visited so emit sees the
					// full overlap.
					for j := i + 1; j < q; j++ {
						if posts[j].contains(c.id) {
							num++
						}
					}
					if !emit(c.id, xsize, num) {
						return nil
					}
				case num+(q-i-1) >= mmin:
					next = append(next, candidate{id: c.id, num: num})
				}
			}
			cands = next
		}

		// Only reached with candidates when every list was unioned
		// (minQueries == q); the prune loop otherwise drains them.
		for _, c := range cands {
			if c.num >= mmin {
				if !emit(c.id, xsize, c.num) {
					return nil
				}
			}
		}
	}
	return nil
}

// mergeCounts merges one posting list into the candidate set, keeping it
// sorted by id and counting each id's occurrences across lists.
func mergeCounts(cands []candidate, p postingList) []candidate {
	merged := make([]candidate, 0, len(cands)+p.num)
	i, j := 0, 0
	for i < len(cands) || j < p.num {
		switch {
		case i == len(cands):
			merged = append(merged, candidate{id: p.at(j), num: 1})
			j++
		case j == p.num:
			merged = append(merged, cands[i])
			i++
		case cands[i].id < p.at(j):
			merged = append(merged, cands[i])
			i++
		case cands[i].id > p.at(j):
			merged = append(merged, candidate{id: p.at(j), num: 1})
			j++
		default:
			merged = append(merged, candidate{id: cands[i].id, num: cands[i].num + 1})
			i++
			j++
		}
	}
	return merged
}
