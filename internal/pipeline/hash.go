package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"
	"sort"

	"gridweaver/internal/stage"
)

type hashWriter struct {
	h hash.Hash
}

// field writes data length-prefixed so concatenations are unambiguous.
func (w hashWriter) field(data []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	w.h.Write(n[:])
	w.h.Write(data)
}

func (w hashWriter) str(s string) { w.field([]byte(s)) }

func (w hashWriter) num(v int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.field(b[:])
}

// stageDefHash identifies a stage declaration: name, kind, operator, accesses
// (by field name and rank, as sets) and barriers. Bodies are not hashed.
func stageDefHash(s *stage.Stage, fieldName func(stage.Access) string) string {
	w := hashWriter{h: sha256.New()}
	w.str(s.Name)
	w.str(s.Kind.String())
	w.str(s.Op.Name)

	accesses := func(list []stage.Access) {
		keys := make([]string, 0, len(list))
		for _, a := range list {
			keys = append(keys, fieldName(a)+"/"+a.Rank.String())
		}
		sort.Strings(keys)
		w.num(len(keys))
		for _, k := range keys {
			w.str(k)
		}
	}
	accesses(s.Reads)
	accesses(s.Writes)

	after := append([]string(nil), s.After...)
	sort.Strings(after)
	w.num(len(after))
	for _, a := range after {
		w.str(a)
	}

	if s.Kind == stage.KindScan {
		w.str(s.Scan.Direction.String())
		w.str(fieldName(s.Scan.Output))
		if s.Scan.SeedField == nil {
			w.field(binaryFloat(s.Scan.Seed))
		}
	}
	return hex.EncodeToString(w.h.Sum(nil))
}

func binaryFloat(v float64) []byte {
	return binary.BigEndian.AppendUint64(nil, math.Float64bits(v))
}

// computePipelineHash covers stage definitions in canonical order and the
// edge set, so it does not depend on the order stages were declared in.
func (g *graph) computePipelineHash() string {
	w := hashWriter{h: sha256.New()}
	w.num(len(g.nodes))
	for _, n := range g.nodes {
		w.str(n.defHash)
	}
	w.num(len(g.edges))
	for _, e := range g.edges {
		w.num(e.from)
		w.num(e.to)
	}
	return hex.EncodeToString(w.h.Sum(nil))
}
