// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package perobs

import (
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/vedranvuk/binaryex"
)

// ProgressFunc reports progress of a long-running Store operation: op
// names it ("check", "gc", "defragmentize"), done/total are a coarse
// unit count (both 1 for an operation with no meaningful subdivision,
// e.g. "started"/"finished" calls with done=0,total=1 and done=1,total=1).
type ProgressFunc func(op string, done, total int)

// EngineFlatFileBTree is the only storage implementation Options.Engine
// recognizes: the FlatFile+BTree stack this package itself implements.
const EngineFlatFileBTree = "flatfile+btree"

// Options defines Store options.
type Options struct {

	// CacheBits sets the resident object cache's capacity as a power of
	// two: the read pool and the write pool each hold up to
	// 1<<CacheBits objects.
	// Default value: 12 (4096 objects per pool)
	CacheBits uint

	// Serializer is an opaque tag understood by the wrapper layer that
	// serializes objects to blobs, not by the core itself. Open neither
	// inspects nor persists it: the store's version file holds only the
	// on-disk format version, so the tag is not kept across sessions.
	// Default value: "" (none)
	Serializer string

	// Engine selects a storage implementation. The only value this
	// build recognizes is EngineFlatFileBTree; Open rejects any other
	// non-empty value with an error built by ErrUnsupportedVersion.Errorf.
	// Default value: "flatfile+btree"
	Engine string

	// ProgressMeter, if non-nil, is called at the start and end of
	// Check, GC and a forced Defragmentize.
	// Default value: nil (no progress reporting)
	ProgressMeter ProgressFunc

	// MaxRetries is how many additional attempts Open makes to acquire
	// the directory lock after the first failed attempt, before giving
	// up with an error built by ErrLocked.Errorf.
	// Default value: 0
	MaxRetries int

	// PauseBetween is the delay between directory-lock retries.
	// Default value: 100ms
	PauseBetween time.Duration

	// StaleTimeout lets Open force-take the directory lock once this
	// much time has elapsed and the recorded holder process is no
	// longer alive. Zero disables forced takeover.
	// Default value: 0 (disabled)
	StaleTimeout time.Duration

	// GCDefragThreshold triggers an automatic Defragmentize pass at the
	// end of GC once the free-space ratio left by the sweep is at or
	// above this value. Zero disables auto-defrag.
	// Default value: 0.5
	GCDefragThreshold float64

	// ReadOnly opens the store without acquiring the directory lock and
	// rejects any mutating operation.
	// Default value: false
	ReadOnly bool

	// Logger is the structured logger a Store logs through. It is not
	// persisted (Marshal/Unmarshal round-trip the storage-tunable
	// fields only) and is only ever read at Open time. NewOptions sets
	// it to a console logger; a caller building an Options literal by
	// hand rather than through NewOptions must set one explicitly or
	// logging is silently a no-op.
	// Default value: defaultLogger()
	Logger zerolog.Logger

	// filename holds the options filename once options have been persisted.
	filename string
}

// NewOptions returns a new *Options instance set to defaults.
func NewOptions() *Options {
	o := &Options{}
	o.init()
	return o
}

// init initializes options to default values.
func (o *Options) init() {
	o.CacheBits = 12
	o.Serializer = ""
	o.Engine = EngineFlatFileBTree
	o.ProgressMeter = nil
	o.MaxRetries = 0
	o.PauseBetween = 100 * time.Millisecond
	o.StaleTimeout = 0
	o.GCDefragThreshold = 0.5
	o.ReadOnly = false
	o.Logger = defaultLogger()
}

// report invokes o.ProgressMeter if set; a nil ProgressMeter is a no-op,
// matching spec.md §6's "callback object for long operations" being
// optional.
func (o *Options) report(op string, done, total int) {
	if o.ProgressMeter != nil {
		o.ProgressMeter(op, done, total)
	}
}

// persistedOptions is the subset of Options actually round-tripped by
// Marshal/Unmarshal: scalar, binaryex-safe fields only. Logger and
// ProgressMeter are runtime hooks, not on-disk state, the same way the
// teacher's own Options carries no interface- or function-valued field
// for binaryex.Write to walk.
type persistedOptions struct {
	CacheBits         uint
	Serializer        string
	Engine            string
	MaxRetries        int
	PauseBetween      time.Duration
	StaleTimeout      time.Duration
	GCDefragThreshold float64
	ReadOnly          bool
}

func (o *Options) toPersisted() persistedOptions {
	return persistedOptions{
		CacheBits:         o.CacheBits,
		Serializer:        o.Serializer,
		Engine:            o.Engine,
		MaxRetries:        o.MaxRetries,
		PauseBetween:      o.PauseBetween,
		StaleTimeout:      o.StaleTimeout,
		GCDefragThreshold: o.GCDefragThreshold,
		ReadOnly:          o.ReadOnly,
	}
}

func (o *Options) fromPersisted(p persistedOptions) {
	o.CacheBits = p.CacheBits
	o.Serializer = p.Serializer
	o.Engine = p.Engine
	o.MaxRetries = p.MaxRetries
	o.PauseBetween = p.PauseBetween
	o.StaleTimeout = p.StaleTimeout
	o.GCDefragThreshold = p.GCDefragThreshold
	o.ReadOnly = p.ReadOnly
}

// Marshal marshals Options to writer w.
func (o *Options) Marshal(w io.Writer) error {
	p := o.toPersisted()
	return binaryex.Write(w, &p)
}

// Unmarshal unmarshals Options from reader r. Logger and ProgressMeter
// are left untouched, per their own doc comments.
func (o *Options) Unmarshal(r io.Reader) error {
	var p persistedOptions
	if err := binaryex.Read(r, &p); err != nil {
		return err
	}
	o.fromPersisted(p)
	return nil
}
