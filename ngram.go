package simstring

import (
	"sort"
	"strconv"
)

// sentinelMark pads strings shorter than n and, in padded mode, marks the
// begin and end of every string so that matches near string edges weigh in.
const sentinelMark = 0x01

// ngramConfig fixes how a database derives feature sets from strings. It is
// set at build time and recorded in the master header.
type ngramConfig struct {
	n      int
	padded bool
	codec  codec
}

// features derives the feature set of the encoded string units. Repeated
// grams are made distinct by appending the base-10 ordinal of each repeat,
// so the result is a set whose cardinality equals the total gram count of
// the augmented string. Grams are emitted in sorted order, which makes the
// feature set a pure function of (units, n, padded, width).
//
// The empty string has an empty feature set.
func (g ngramConfig) features(units []byte) [][]byte {
	w := g.codec.width
	if len(units) == 0 {
		return nil
	}

	src := units
	switch {
	case g.padded:
		mark := g.codec.unit(sentinelMark)
		padded := make([]byte, 0, len(units)+2*(g.n-1)*w)
		for i := 0; i < g.n-1; i++ {
			padded = append(padded, mark...)
		}
		padded = append(padded, units...)
		for i := 0; i < g.n-1; i++ {
			padded = append(padded, mark...)
		}
		src = padded
	case len(units)/w < g.n:
		mark := g.codec.unit(sentinelMark)
		padded := make([]byte, 0, g.n*w)
		padded = append(padded, units...)
		for i := len(units) / w; i < g.n; i++ {
			padded = append(padded, mark...)
		}
		src = padded
	}

	count := make(map[string]int)
	total := len(src)/w - g.n + 1
	for i := 0; i < total; i++ {
		count[string(src[i*w:(i+g.n)*w])]++
	}

	grams := make([]string, 0, len(count))
	for gram := range count {
		grams = append(grams, gram)
	}
	sort.Strings(grams)

	set := make([][]byte, 0, total)
	for _, gram := range grams {
		set = append(set, []byte(gram))
		for ord := 2; ord <= count[gram]; ord++ {
			suffixed := make([]byte, 0, len(gram)+2*w)
			suffixed = append(suffixed, gram...)
			for _, d := range strconv.Itoa(ord) {
				suffixed = append(suffixed, g.codec.unit(byte(d))...)
			}
			set = append(set, suffixed)
		}
	}
	return set
}
