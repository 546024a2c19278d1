// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package gc implements the mark-and-sweep collector over the OID
// reference graph: clear marks, iterative depth-first reach analysis
// from a set of roots via a caller-supplied reference extractor, then a
// sequential sweep of every unmarked live blob. The walk is iterative
// with an explicit stack rather than recursive, the same "don't trust
// recursion depth to the shape of on-disk data" caution visible in the
// pack's trie-walking code, and a visited-set makes it tolerant of
// reference cycles.
package gc

// RefExtractor discovers the OIDs a blob references, given its OID and
// payload. The collector never interprets blob contents itself; the
// OID is passed through untouched so a caller whose store reserves a
// handful of OIDs for its own bookkeeping records (in a format the
// ordinary object extractor does not understand) can special-case them.
type RefExtractor func(oid uint64, payload []byte) []uint64

// FlatFile is the subset of *flatstore.FlatFile the collector needs.
type FlatFile interface {
	ClearAllMarks() error
	MarkObject(oid uint64) error
	DeleteUnmarked() (int, error)
	Get(oid uint64) ([]byte, error)
	Defragmentize() error
	FreeRatio() (float64, error)
}

// Stats reports a deterministic count of a single collection pass.
type Stats struct {
	MarkedObjects   int
	SweptObjects    int
	Defragmentized  bool
}

// Options tunes a collection pass.
type Options struct {
	// DefragThreshold triggers a Defragmentize after sweeping if the
	// resulting free-space ratio is at or above it. Zero disables
	// auto-defrag.
	DefragThreshold float64
}

// Collect runs one mark-and-sweep pass: clear marks, reach every OID
// transitively referenced from roots (marking each as visited), sweep
// every live blob whose mark bit is still clear, and optionally
// defragmentize if fragmentation crosses opts.DefragThreshold.
//
// notFound, if non-nil, is consulted to distinguish a dangling
// reference (skipped, not fatal) from a genuine read error; pass a
// function wrapping errors.Is(err, flatstore.ErrNotFound).
func Collect(ff FlatFile, roots []uint64, extract RefExtractor, opts Options, notFound func(error) bool) (Stats, error) {
	if err := ff.ClearAllMarks(); err != nil {
		return Stats{}, err
	}

	visited := make(map[uint64]bool, len(roots))
	stack := make([]uint64, 0, len(roots))
	for _, r := range roots {
		if r != 0 {
			stack = append(stack, r)
		}
	}

	marked := 0
	for len(stack) > 0 {
		oid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if oid == 0 || visited[oid] {
			continue
		}
		visited[oid] = true

		payload, err := ff.Get(oid)
		if err != nil {
			if notFound != nil && notFound(err) {
				continue
			}
			return Stats{}, err
		}
		if err := ff.MarkObject(oid); err != nil {
			return Stats{}, err
		}
		marked++

		for _, ref := range extract(oid, payload) {
			if ref != 0 && !visited[ref] {
				stack = append(stack, ref)
			}
		}
	}

	swept, err := ff.DeleteUnmarked()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{MarkedObjects: marked, SweptObjects: swept}
	if opts.DefragThreshold > 0 {
		ratio, err := ff.FreeRatio()
		if err != nil {
			return stats, err
		}
		if ratio >= opts.DefragThreshold {
			if err := ff.Defragmentize(); err != nil {
				return stats, err
			}
			stats.Defragmentized = true
		}
	}
	return stats, nil
}
