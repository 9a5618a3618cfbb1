package flow

import "fmt"

// Decision is an activation policy verdict: whether the routine should run,
// which slot data the activation consumes, and an opaque message handed to
// the logic alongside the data.
type Decision struct {
	Activate bool
	Consumed map[string][]any
	Message  any
}

// ActivationPolicy is a predicate over a routine's slots deciding when the
// routine runs and what data it consumes. Policies run synchronously from the
// dispatcher and must not block; all asynchrony is expressed by enqueuing
// further tasks.
type ActivationPolicy interface {
	Name() string
	Check(slots map[string]*Slot, job *JobContext) (Decision, error)
}

// --- immediate ---

type immediatePolicy struct{}

// Immediate activates as soon as any slot holds an unconsumed point,
// consuming everything pending on that slot and leaving the others.
func Immediate() ActivationPolicy { return immediatePolicy{} }

func (immediatePolicy) Name() string { return "immediate" }

func (immediatePolicy) Check(slots map[string]*Slot, _ *JobContext) (Decision, error) {
	for name, slot := range slots {
		if slot.UnconsumedCount() > 0 {
			return Decision{
				Activate: true,
				Consumed: map[string][]any{name: slot.ConsumeAllNew()},
			}, nil
		}
	}
	return Decision{}, nil
}

// --- batch_size ---

type batchSizePolicy struct {
	n    int
	slot string
}

// BatchSize activates once the named slot has at least n unconsumed points,
// consuming exactly the first n.
func BatchSize(n int, slot string) ActivationPolicy {
	return &batchSizePolicy{n: n, slot: slot}
}

func (p *batchSizePolicy) Name() string { return "batch_size" }

func (p *batchSizePolicy) Check(slots map[string]*Slot, _ *JobContext) (Decision, error) {
	slot, ok := slots[p.slot]
	if !ok {
		return Decision{}, fmt.Errorf("batch_size: unknown slot %q", p.slot)
	}
	if p.n <= 0 {
		return Decision{}, fmt.Errorf("batch_size: batch size must be positive, got %d", p.n)
	}
	if slot.UnconsumedCount() < p.n {
		return Decision{}, nil
	}
	return Decision{
		Activate: true,
		Consumed: map[string][]any{p.slot: slot.ConsumeN(p.n)},
		Message:  p.n,
	}, nil
}

// --- watermark ---

type watermarkPolicy struct {
	threshold int
	slot      string
}

// Watermark activates once the named slot's backlog reaches threshold,
// consuming everything pending.
func Watermark(threshold int, slot string) ActivationPolicy {
	return &watermarkPolicy{threshold: threshold, slot: slot}
}

func (p *watermarkPolicy) Name() string { return "watermark" }

func (p *watermarkPolicy) Check(slots map[string]*Slot, _ *JobContext) (Decision, error) {
	slot, ok := slots[p.slot]
	if !ok {
		return Decision{}, fmt.Errorf("watermark: unknown slot %q", p.slot)
	}
	if slot.UnconsumedCount() < p.threshold {
		return Decision{}, nil
	}
	return Decision{
		Activate: true,
		Consumed: map[string][]any{p.slot: slot.ConsumeAllNew()},
		Message:  p.threshold,
	}, nil
}

// --- all_slots_ready ---

type allSlotsReadyPolicy struct{}

// AllSlotsReady activates only when every declared slot holds at least one
// unconsumed point, draining all of them. The usual fan-in policy.
func AllSlotsReady() ActivationPolicy { return allSlotsReadyPolicy{} }

func (allSlotsReadyPolicy) Name() string { return "all_slots_ready" }

func (allSlotsReadyPolicy) Check(slots map[string]*Slot, _ *JobContext) (Decision, error) {
	if len(slots) == 0 {
		return Decision{}, nil
	}
	for _, slot := range slots {
		if slot.UnconsumedCount() == 0 {
			return Decision{}, nil
		}
	}
	consumed := make(map[string][]any, len(slots))
	for name, slot := range slots {
		consumed[name] = slot.ConsumeAllNew()
	}
	return Decision{Activate: true, Consumed: consumed}, nil
}

// --- custom ---

// CustomFunc is a user-supplied activation predicate.
type CustomFunc func(slots map[string]*Slot, job *JobContext) (Decision, error)

type customPolicy struct {
	name string
	fn   CustomFunc
}

// Custom wraps a user predicate under a stable name so it survives
// serialization through the policy registry.
func Custom(name string, fn CustomFunc) ActivationPolicy {
	return &customPolicy{name: name, fn: fn}
}

func (p *customPolicy) Name() string { return p.name }

func (p *customPolicy) Check(slots map[string]*Slot, job *JobContext) (Decision, error) {
	return p.fn(slots, job)
}
