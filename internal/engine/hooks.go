package engine

// Outcome labels how an activation ended.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// Hooks is the thin boundary monitoring and breakpoint observers consume. The
// engine has no compile-time dependency on any implementation; the nop
// implementation is the default.
type Hooks interface {
	// OnSlotBeforeEnqueue may deny a delivery or substitute the payload.
	// A nil replacement keeps the original payload.
	OnSlotBeforeEnqueue(flowID, routineID, slot string, payload any, jobID string) (allow bool, replacement any)
	OnActivationStart(flowID, routineID, jobID string, consumed map[string][]any, message any)
	OnActivationEnd(flowID, routineID, jobID string, outcome Outcome, err error)
	OnEmit(flowID, routineID, event string, payload map[string]any, jobID string)
}

// NopHooks ignores every callback.
type NopHooks struct{}

func (NopHooks) OnSlotBeforeEnqueue(_, _, _ string, _ any, _ string) (bool, any) { return true, nil }
func (NopHooks) OnActivationStart(_, _, _ string, _ map[string][]any, _ any)     {}
func (NopHooks) OnActivationEnd(_, _, _ string, _ Outcome, _ error)              {}
func (NopHooks) OnEmit(_, _, _ string, _ map[string]any, _ string)               {}

type multiHooks struct {
	hooks []Hooks
}

// MultiHooks fans callbacks out to every hook in order. Enqueue vetoes
// short-circuit: the first denial wins, and payload replacements chain.
func MultiHooks(hooks ...Hooks) Hooks {
	filtered := make([]Hooks, 0, len(hooks))
	for _, h := range hooks {
		if h == nil {
			continue
		}
		filtered = append(filtered, h)
	}
	switch len(filtered) {
	case 0:
		return NopHooks{}
	case 1:
		return filtered[0]
	}
	return &multiHooks{hooks: filtered}
}

func (m *multiHooks) OnSlotBeforeEnqueue(flowID, routineID, slot string, payload any, jobID string) (bool, any) {
	current := payload
	replaced := false
	for _, h := range m.hooks {
		allow, replacement := h.OnSlotBeforeEnqueue(flowID, routineID, slot, current, jobID)
		if !allow {
			return false, nil
		}
		if replacement != nil {
			current = replacement
			replaced = true
		}
	}
	if replaced {
		return true, current
	}
	return true, nil
}

func (m *multiHooks) OnActivationStart(flowID, routineID, jobID string, consumed map[string][]any, message any) {
	for _, h := range m.hooks {
		h.OnActivationStart(flowID, routineID, jobID, consumed, message)
	}
}

func (m *multiHooks) OnActivationEnd(flowID, routineID, jobID string, outcome Outcome, err error) {
	for _, h := range m.hooks {
		h.OnActivationEnd(flowID, routineID, jobID, outcome, err)
	}
}

func (m *multiHooks) OnEmit(flowID, routineID, event string, payload map[string]any, jobID string) {
	for _, h := range m.hooks {
		h.OnEmit(flowID, routineID, event, payload, jobID)
	}
}
