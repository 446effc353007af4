package harvest

import (
	"time"

	"github.com/openparcels/bisharvest/internal/bbl"
)

// FieldRecord is an ordered mapping from field name to string value, one per
// parcel. Insertion order is preserved because it defines the CSV column
// order of the sink the record is written to.
type FieldRecord struct {
	names  []string
	values map[string]string
}

// NewFieldRecord returns an empty record.
func NewFieldRecord() *FieldRecord {
	return &FieldRecord{values: make(map[string]string)}
}

// Set stores a field value, appending the name on first use.
func (r *FieldRecord) Set(name, value string) {
	if _, ok := r.values[name]; !ok {
		r.names = append(r.names, name)
	}
	r.values[name] = value
}

// Get returns the value for name and whether it is present.
func (r *FieldRecord) Get(name string) (string, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Names returns the field names in insertion order.
func (r *FieldRecord) Names() []string {
	return append([]string(nil), r.names...)
}

// Len returns the number of fields.
func (r *FieldRecord) Len() int { return len(r.names) }

// Batch is an ordered, immutable sequence of BBLs processed as one unit with
// its own ledger and sink. Name is derived from the batch file and keys the
// per-batch artifacts.
type Batch struct {
	Name string
	BBLs []bbl.BBL
}

// Failure records a parcel the runner gave up on, with the final error text.
type Failure struct {
	BBL    bbl.BBL
	Reason string
}

// BatchReport summarizes one runner pass over a batch.
type BatchReport struct {
	Batch     string
	Started   time.Time
	Finished  time.Time
	Skipped   int // already in the ledger
	Succeeded int // newly fetched and persisted
	Failed    int
	Failures  []Failure
}

// DidWork reports whether the pass issued any portal requests, as opposed to
// skipping every parcel via the ledger.
func (r BatchReport) DidWork() bool {
	return r.Succeeded > 0 || r.Failed > 0
}

// BatchOutcome pairs a batch with what the scheduler did about it.
type BatchOutcome struct {
	Report          BatchReport
	SkippedEntirely bool // every BBL was already in the ledger
}

// RunReport summarizes a scheduler pass over all batches.
type RunReport struct {
	RunID     string
	Started   time.Time
	Finished  time.Time
	Batches   []BatchOutcome
	Halted    bool
	HaltedAt  string // batch name, when Halted
	HaltCause string
}
