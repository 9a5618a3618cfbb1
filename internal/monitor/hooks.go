package monitor

import (
	"time"

	"weave/internal/engine"
)

// EventStream forwards engine execution events to WebSocket subscribers. It
// is created before the runtime so it can be installed as the runtime's hook
// implementation, then handed to NewServer. Publishing never blocks the
// dispatcher; slow clients lose frames.
type EventStream struct {
	hub *hub
}

// NewEventStream creates an empty stream with no subscribers.
func NewEventStream() *EventStream {
	return &EventStream{hub: newHub()}
}

var _ engine.Hooks = (*EventStream)(nil)

func (s *EventStream) OnSlotBeforeEnqueue(flowID, routineID, slot string, payload any, jobID string) (bool, any) {
	return true, nil
}

func (s *EventStream) OnActivationStart(flowID, routineID, jobID string, consumed map[string][]any, message any) {
	s.emitEvent(flowID, jobID, wsMessage{
		Type:      "activation_start",
		Timestamp: time.Now(),
		Payload: map[string]any{
			"flow_id":    flowID,
			"routine_id": routineID,
			"job_id":     jobID,
			"consumed":   consumed,
			"message":    message,
		},
	})
}

func (s *EventStream) OnActivationEnd(flowID, routineID, jobID string, outcome engine.Outcome, err error) {
	payload := map[string]any{
		"flow_id":    flowID,
		"routine_id": routineID,
		"job_id":     jobID,
		"outcome":    string(outcome),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.emitEvent(flowID, jobID, wsMessage{
		Type:      "activation_end",
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func (s *EventStream) OnEmit(flowID, routineID, event string, payload map[string]any, jobID string) {
	s.emitEvent(flowID, jobID, wsMessage{
		Type:      "emit",
		Timestamp: time.Now(),
		Payload: map[string]any{
			"flow_id":    flowID,
			"routine_id": routineID,
			"job_id":     jobID,
			"event":      event,
			"params":     payload,
		},
	})
}

func (s *EventStream) emitEvent(flowID, jobID string, msg wsMessage) {
	s.hub.publish(jobTopic(jobID), msg)
	s.hub.publish(flowTopic(flowID), msg)
}
