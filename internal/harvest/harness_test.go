package harvest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openparcels/bisharvest/internal/bbl"
)

// Test doubles shared by the runner and scheduler tests.

func mustBBL(t *testing.T, raw string) bbl.BBL {
	t.Helper()
	b, err := bbl.Parse(raw)
	require.NoError(t, err)
	return b
}

type fetchStep struct {
	rec *FieldRecord
	err error
}

func okStep(fields ...string) fetchStep {
	rec := NewFieldRecord()
	for i := 0; i+1 < len(fields); i += 2 {
		rec.Set(fields[i], fields[i+1])
	}
	return fetchStep{rec: rec}
}

func errStep(err error) fetchStep { return fetchStep{err: err} }

// scriptedFetcher replays a per-parcel script of outcomes, one entry per
// attempt, and records every call it receives.
type scriptedFetcher struct {
	script map[bbl.BBL][]fetchStep
	calls  []bbl.BBL
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{script: make(map[bbl.BBL][]fetchStep)}
}

func (f *scriptedFetcher) on(b bbl.BBL, steps ...fetchStep) {
	f.script[b] = append(f.script[b], steps...)
}

func (f *scriptedFetcher) Fetch(_ context.Context, b bbl.BBL) (*FieldRecord, error) {
	f.calls = append(f.calls, b)
	steps := f.script[b]
	if len(steps) == 0 {
		return nil, fmt.Errorf("unexpected fetch for %s", b)
	}
	step := steps[0]
	f.script[b] = steps[1:]
	return step.rec, step.err
}

func (f *scriptedFetcher) attempts(b bbl.BBL) int {
	n := 0
	for _, call := range f.calls {
		if call == b {
			n++
		}
	}
	return n
}

// memLedger is an in-memory ledger that appends "ledger:<bbl>" to a shared
// event log on every successful mark.
type memLedger struct {
	done    map[bbl.BBL]struct{}
	events  *[]string
	markErr error
	closed  bool
}

func newMemLedger(events *[]string) *memLedger {
	return &memLedger{done: make(map[bbl.BBL]struct{}), events: events}
}

func (l *memLedger) Contains(b bbl.BBL) bool {
	_, ok := l.done[b]
	return ok
}

func (l *memLedger) MarkDone(_ context.Context, b bbl.BBL) error {
	if l.markErr != nil {
		return l.markErr
	}
	l.done[b] = struct{}{}
	if l.events != nil {
		*l.events = append(*l.events, "ledger:"+b.String())
	}
	return nil
}

func (l *memLedger) Close() error {
	l.closed = true
	return nil
}

// memSink collects appended records and logs "sink:<bbl>" events.
type memSink struct {
	rows      map[bbl.BBL]*FieldRecord
	events    *[]string
	appendErr error
	closed    bool
}

func newMemSink(events *[]string) *memSink {
	return &memSink{rows: make(map[bbl.BBL]*FieldRecord), events: events}
}

func (s *memSink) Append(_ context.Context, b bbl.BBL, rec *FieldRecord) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	// Duplicate appends keep the existing row, matching the real sinks.
	if _, ok := s.rows[b]; ok {
		return nil
	}
	s.rows[b] = rec
	if s.events != nil {
		*s.events = append(*s.events, "sink:"+b.String())
	}
	return nil
}

func (s *memSink) Close() error {
	s.closed = true
	return nil
}

// countingPacer counts Wait calls without blocking.
type countingPacer struct {
	waits int
	err   error
}

func (p *countingPacer) Wait(context.Context) error {
	p.waits++
	return p.err
}

// stepClock advances a fixed amount per Now call so reports get distinct,
// deterministic timestamps.
type stepClock struct {
	now  time.Time
	step time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{
		now:  time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC),
		step: time.Second,
	}
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

// recordingSleeper records requested cooldowns instead of sleeping.
type recordingSleeper struct {
	slept []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) {
	s.slept = append(s.slept, d)
}

type fixedIDs struct{ id string }

func (g fixedIDs) NewID() (string, error) {
	if g.id == "" {
		return "", fmt.Errorf("no id configured")
	}
	return g.id, nil
}

// memStores hands out pre-built ledgers and sinks per batch name.
type memStores struct {
	ledgers map[string]*memLedger
	sinks   map[string]*memSink
	events  *[]string
}

func newMemStores(events *[]string) *memStores {
	return &memStores{
		ledgers: make(map[string]*memLedger),
		sinks:   make(map[string]*memSink),
		events:  events,
	}
}

func (s *memStores) OpenLedger(_ context.Context, batch string) (Ledger, error) {
	if l, ok := s.ledgers[batch]; ok {
		return l, nil
	}
	l := newMemLedger(s.events)
	s.ledgers[batch] = l
	return l, nil
}

func (s *memStores) OpenSink(_ context.Context, batch string) (Sink, error) {
	if sk, ok := s.sinks[batch]; ok {
		return sk, nil
	}
	sk := newMemSink(s.events)
	s.sinks[batch] = sk
	return sk, nil
}
