package flow

import (
	"sync"
	"time"
)

// MergeStrategy controls how a slot's unconsumed values are presented to
// routine logic when an activation consumes them.
type MergeStrategy string

const (
	// MergeOverride passes only the most recent unconsumed value.
	MergeOverride MergeStrategy = "override"
	// MergeAppend passes the whole unconsumed list in arrival order.
	MergeAppend MergeStrategy = "append"
	// MergeAccumulate folds values into a running accumulator kept in
	// WorkerState under a reserved key.
	MergeAccumulate MergeStrategy = "accumulate"
)

// DefaultMaxQueueLength bounds a slot's unconsumed backlog unless overridden.
const DefaultMaxQueueLength = 1000

// AccumulateStateKey is the reserved WorkerState key prefix used by the
// accumulate merge strategy; the slot name is appended.
const AccumulateStateKey = "__accumulate__/"

// DataPoint is one value queued in a slot.
type DataPoint struct {
	Value    any       `json:"value"`
	Seq      uint64    `json:"seq"`
	Consumed bool      `json:"consumed"`
	At       time.Time `json:"at"`
}

// SlotOptions tune a slot at creation time. Zero values select defaults.
type SlotOptions struct {
	Merge            MergeStrategy
	MaxQueueLength   int
	ConsumeWatermark int
}

// Slot is a named input port: a bounded ordered queue of data points with
// consume/watermark semantics. All operations are atomic under the slot lock.
type Slot struct {
	name    string
	routine string

	merge     MergeStrategy
	maxQueue  int
	watermark int

	mu      sync.Mutex
	points  []DataPoint
	nextSeq uint64
}

func newSlot(routineID, name string, opts SlotOptions) *Slot {
	if opts.Merge == "" {
		opts.Merge = MergeAppend
	}
	if opts.MaxQueueLength <= 0 {
		opts.MaxQueueLength = DefaultMaxQueueLength
	}
	if opts.ConsumeWatermark < 0 {
		opts.ConsumeWatermark = 0
	}
	return &Slot{
		name:      name,
		routine:   routineID,
		merge:     opts.Merge,
		maxQueue:  opts.MaxQueueLength,
		watermark: opts.ConsumeWatermark,
		nextSeq:   1,
	}
}

// Name returns the slot name.
func (s *Slot) Name() string { return s.name }

// RoutineID returns the id of the owning routine.
func (s *Slot) RoutineID() string { return s.routine }

// Merge returns the slot's merge strategy.
func (s *Slot) Merge() MergeStrategy { return s.merge }

// MaxQueueLength returns the unconsumed backlog bound.
func (s *Slot) MaxQueueLength() int { return s.maxQueue }

// Watermark returns the compaction threshold.
func (s *Slot) Watermark() int { return s.watermark }

// Push appends a data point with the next sequence number. It fails with
// SlotOverflowError when the unconsumed backlog is already at capacity.
func (s *Slot) Push(value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unconsumedLocked() >= s.maxQueue {
		return &SlotOverflowError{Routine: s.routine, Slot: s.name, Max: s.maxQueue}
	}
	s.points = append(s.points, DataPoint{
		Value: value,
		Seq:   s.nextSeq,
		At:    time.Now(),
	})
	s.nextSeq++
	return nil
}

// ConsumeAllNew returns every unconsumed value in arrival order, marking the
// points consumed and compacting the queue when thresholds allow.
func (s *Slot) ConsumeAllNew() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(len(s.points))
}

// ConsumeN marks at most n unconsumed points consumed and returns their
// values in arrival order.
func (s *Slot) ConsumeN(n int) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(n)
}

func (s *Slot) consumeLocked(n int) []any {
	var values []any
	for i := range s.points {
		if n <= 0 {
			break
		}
		if s.points[i].Consumed {
			continue
		}
		s.points[i].Consumed = true
		values = append(values, s.points[i].Value)
		n--
	}
	s.compactLocked()
	return values
}

// UnconsumedCount returns the number of pending data points.
func (s *Slot) UnconsumedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unconsumedLocked()
}

// PeekUnconsumed returns pending values without marking them consumed.
func (s *Slot) PeekUnconsumed() []any {
	s.mu.Lock()
	defer s.mu.Unlock()

	var values []any
	for _, p := range s.points {
		if !p.Consumed {
			values = append(values, p.Value)
		}
	}
	return values
}

// Clear empties the queue entirely. Sequence numbering keeps advancing so
// seqs stay monotonic across clears.
func (s *Slot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = nil
}

// Len returns the total number of retained points, consumed included.
func (s *Slot) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

func (s *Slot) unconsumedLocked() int {
	n := 0
	for _, p := range s.points {
		if !p.Consumed {
			n++
		}
	}
	return n
}

// compactLocked drops the consumed prefix once the backlog has drained to the
// watermark, or once the consumed tail has grown past max(32, maxQueue/4).
func (s *Slot) compactLocked() {
	consumed := len(s.points) - s.unconsumedLocked()
	if consumed == 0 {
		return
	}
	threshold := s.maxQueue / 4
	if threshold < 32 {
		threshold = 32
	}
	if s.unconsumedLocked() > s.watermark && consumed < threshold {
		return
	}
	kept := s.points[:0]
	for _, p := range s.points {
		if !p.Consumed {
			kept = append(kept, p)
		}
	}
	s.points = kept
}

// snapshotLocked support for serialization.

func (s *Slot) snapshot() SlotSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	points := make([]DataPoint, len(s.points))
	copy(points, s.points)
	return SlotSnapshot{
		Name:             s.name,
		Merge:            s.merge,
		MaxQueueLength:   s.maxQueue,
		ConsumeWatermark: s.watermark,
		NextSeq:          s.nextSeq,
		Points:           points,
	}
}

func (s *Slot) restore(snap SlotSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = make([]DataPoint, len(snap.Points))
	copy(s.points, snap.Points)
	if snap.NextSeq > 0 {
		s.nextSeq = snap.NextSeq
	}
}

// SlotSnapshot is the serializable form of a slot.
type SlotSnapshot struct {
	Name             string        `json:"name"`
	Merge            MergeStrategy `json:"merge"`
	MaxQueueLength   int           `json:"max_queue_length"`
	ConsumeWatermark int           `json:"consume_watermark"`
	NextSeq          uint64        `json:"next_seq"`
	Points           []DataPoint   `json:"points,omitempty"`
}
