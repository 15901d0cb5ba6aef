// Package epoch models recording periods and the clocks they are measured
// against: epoch tables with content-derived hashes, per-epoch channel-to-
// probe assignments, and the RawReader seam behind which vendor file
// decoders live.
package epoch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"ndi.dev/core/ndierr"
)

// ClockType names one of the nine time-keeping regimes an epoch can be
// measured against.
type ClockType string

const (
	UTC                 ClockType = "utc"
	ApproxUTC           ClockType = "approx_utc"
	ExpGlobalTime       ClockType = "exp_global_time"
	ApproxExpGlobalTime ClockType = "approx_exp_global_time"
	DevGlobalTime       ClockType = "dev_global_time"
	ApproxDevGlobalTime ClockType = "approx_dev_global_time"
	DevLocalTime        ClockType = "dev_local_time"
	NoTime              ClockType = "no_time"
	Inherited           ClockType = "inherited"
)

var allClockTypes = []ClockType{
	UTC, ApproxUTC, ExpGlobalTime, ApproxExpGlobalTime,
	DevGlobalTime, ApproxDevGlobalTime, DevLocalTime, NoTime, Inherited,
}

// ParseClockType validates s against the closed enum.
func ParseClockType(s string) (ClockType, error) {
	for _, c := range allClockTypes {
		if string(c) == s {
			return c, nil
		}
	}
	return "", ndierr.Newf(ndierr.BadArgument, "invalid clock type %q", s)
}

// IsGlobal reports whether the clock is meaningful across epochs.
func (c ClockType) IsGlobal() bool {
	switch c {
	case UTC, ExpGlobalTime, DevGlobalTime,
		ApproxUTC, ApproxExpGlobalTime, ApproxDevGlobalTime:
		return true
	}
	return false
}

// NeedsEpoch reports whether a time value on this clock is only meaningful
// relative to a specific epoch.
func (c ClockType) NeedsEpoch() bool {
	return c == DevLocalTime
}

// Approximate returns the approximate counterpart of a precise global clock,
// and ok=false for clocks that have none.
func (c ClockType) Approximate() (ClockType, bool) {
	switch c {
	case UTC:
		return ApproxUTC, true
	case ExpGlobalTime:
		return ApproxExpGlobalTime, true
	case DevGlobalTime:
		return ApproxDevGlobalTime, true
	}
	return "", false
}

// TimeRange is a (t0, t1) interval on some clock.
type TimeRange struct {
	T0 float64 `json:"t0"`
	T1 float64 `json:"t1"`
}

// ClockEntry pairs a clock with the epoch's time range on that clock.
type ClockEntry struct {
	Clock ClockType `json:"clock"`
	Range TimeRange `json:"range"`
}

// ProbeMapEntry assigns device channels to one logical probe for an epoch.
type ProbeMapEntry struct {
	Name         string `json:"name"`
	Reference    int    `json:"reference"`
	Type         string `json:"type"`
	DeviceString string `json:"devicestring"`
	SubjectID    string `json:"subject_id,omitempty"`
}

// Epoch is one contiguous recording period.
type Epoch struct {
	ID                 string          `json:"epoch_id"`
	SessionID          string          `json:"epoch_session_id"`
	Clocks             []ClockEntry    `json:"epoch_clock"`
	ProbeMap           []ProbeMapEntry `json:"epochprobemap,omitempty"`
	UnderlyingFiles    []string        `json:"underlying_files,omitempty"`
	UnderlyingEpochIDs []string        `json:"underlying_epoch_ids,omitempty"`
}

// Set is anything exposing an epoch table: a DAQ system, an element, a
// probe. Name identifies the set within a sync graph.
type Set interface {
	Name() string
	Epochs() ([]Epoch, error)
}

// FileBacked is the subset of Sets whose epochs derive from raw recording
// files on disk; the FileMatch and FileFind sync rules only fire between
// file-backed sets.
type FileBacked interface {
	Set
	EpochFiles(epochID string) []string
}

// Table caches a Set's epoch list together with a content-derived hash, so
// downstream caches keyed on the hash invalidate exactly when the table
// changes.
type Table struct {
	build  func() ([]Epoch, error)
	cached []Epoch
	hash   string
	valid  bool
}

// NewTable wraps a builder function in a caching table.
func NewTable(build func() ([]Epoch, error)) *Table {
	return &Table{build: build}
}

// Epochs returns the cached table, building it on first use.
func (t *Table) Epochs() ([]Epoch, error) {
	if !t.valid {
		epochs, err := t.build()
		if err != nil {
			return nil, err
		}
		t.cached = epochs
		t.hash = hashEpochs(epochs)
		t.valid = true
	}
	return t.cached, nil
}

// Hash returns the content hash of the cached table; empty until the first
// Epochs call.
func (t *Table) Hash() string { return t.hash }

// Invalidate discards the cached table so the next Epochs call rebuilds it.
func (t *Table) Invalidate() {
	t.cached = nil
	t.hash = ""
	t.valid = false
}

func hashEpochs(epochs []Epoch) string {
	data, err := json.Marshal(epochs)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StaticSet is a Set with a fixed epoch list, the in-memory stand-in for a
// DAQ system whose reader has already produced its table.
type StaticSet struct {
	name  string
	table *Table
}

// NewStaticSet builds a StaticSet over the given epochs.
func NewStaticSet(name string, epochs []Epoch) *StaticSet {
	cp := append([]Epoch(nil), epochs...)
	return &StaticSet{
		name:  name,
		table: NewTable(func() ([]Epoch, error) { return cp, nil }),
	}
}

func (s *StaticSet) Name() string { return s.name }

func (s *StaticSet) Epochs() ([]Epoch, error) { return s.table.Epochs() }

// EpochFiles returns the underlying files of the named epoch, satisfying
// FileBacked.
func (s *StaticSet) EpochFiles(epochID string) []string {
	epochs, err := s.table.Epochs()
	if err != nil {
		return nil
	}
	for _, e := range epochs {
		if e.ID == epochID {
			return e.UnderlyingFiles
		}
	}
	return nil
}

// Channel describes one recorded channel of an epoch.
type Channel struct {
	Name   string `json:"name"`
	Number int    `json:"number"`
	Type   string `json:"type"`
}

// RawReader is the seam behind which the per-vendor raw-recording decoders
// (Intan, Blackrock, CED Spike2, SpikeGadgets) live. The core never parses
// vendor formats itself; it only consumes these methods.
type RawReader interface {
	GetChannelsEpoch(epochID string) ([]Channel, error)
	ReadChannelsEpochSamples(channelType string, channels []int, epochID string, s0, s1 int64) ([][]float64, error)
	SampleRate(epochID string, channel int) (float64, error)
	EpochClock(epochID string) ([]ClockType, error)
	T0T1(epochID string) ([]TimeRange, error)
}

// ReaderFactory reconstructs a RawReader from the parameter map stored in a
// DAQ-reader document.
type ReaderFactory func(params map[string]any) (RawReader, error)

var (
	readersMu sync.RWMutex
	readers   = map[string]ReaderFactory{}
)

// RegisterReader makes a reader class constructible by name. Vendor decoder
// packages call this from init.
func RegisterReader(className string, factory ReaderFactory) {
	readersMu.Lock()
	defer readersMu.Unlock()
	readers[className] = factory
}

// NewReader instantiates the reader class recorded in a document's
// ndi_daqreader_class field.
func NewReader(className string, params map[string]any) (RawReader, error) {
	readersMu.RLock()
	factory, ok := readers[className]
	readersMu.RUnlock()
	if !ok {
		return nil, ndierr.Newf(ndierr.NotFound, "no raw reader registered for class %q", className)
	}
	return factory(params)
}

// RegisteredReaders lists the registered class names, sorted.
func RegisteredReaders() []string {
	readersMu.RLock()
	defer readersMu.RUnlock()
	out := make([]string, 0, len(readers))
	for name := range readers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e Epoch) String() string {
	return fmt.Sprintf("epoch %s (%d clocks, %d probes)", e.ID, len(e.Clocks), len(e.ProbeMap))
}
