package engine

// taskKind classifies queue entries. Slot pushes and activation checks are
// cheap; activation runs carry user logic and dominate worker time.
type taskKind int

const (
	taskSlotPush taskKind = iota
	taskActivationCheck
	taskActivationRun
)

func (k taskKind) String() string {
	switch k {
	case taskSlotPush:
		return "slot_push"
	case taskActivationCheck:
		return "activation_check"
	case taskActivationRun:
		return "activation_run"
	default:
		return "unknown"
	}
}

// task is one unit of dispatcher work. All kinds share the envelope; the
// consumed/message fields are set only for activation runs.
type task struct {
	kind    taskKind
	flowID  string
	routine string
	jobID   string

	// slot push
	slot    string
	payload any

	// activation run
	consumed map[string][]any
	message  any
	attempt  int
}
