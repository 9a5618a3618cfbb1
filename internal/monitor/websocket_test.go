package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := newHub()
	sub := h.subscribe(jobTopic("j1"))
	defer h.unsubscribe(jobTopic("j1"), sub)

	h.publish(jobTopic("j1"), wsMessage{Type: "ping"})
	h.publish(jobTopic("other"), wsMessage{Type: "stray"})

	select {
	case msg := <-sub.ch:
		assert.Equal(t, "ping", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	select {
	case msg := <-sub.ch:
		t.Fatalf("unexpected cross-topic message %q", msg.Type)
	default:
	}
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	h := newHub()
	sub := h.subscribe(flowTopic("f1"))
	defer h.unsubscribe(flowTopic("f1"), sub)

	// Overrun the buffer; publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(sub.ch)*2; i++ {
			h.publish(flowTopic("f1"), wsMessage{Type: "burst"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, cap(sub.ch), len(sub.ch))
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := newHub()
	sub := h.subscribe(jobTopic("j1"))
	h.unsubscribe(jobTopic("j1"), sub)

	_, open := <-sub.ch
	assert.False(t, open)

	// Publishing to a topic with no subscribers is a no-op.
	h.publish(jobTopic("j1"), wsMessage{Type: "late"})
}

func TestEventStreamFansOutToJobAndFlowTopics(t *testing.T) {
	stream := NewEventStream()
	jobSub := stream.hub.subscribe(jobTopic("j1"))
	flowSub := stream.hub.subscribe(flowTopic("f1"))

	stream.OnActivationStart("f1", "r1", "j1", map[string][]any{"input": {"x"}}, nil)
	stream.OnActivationEnd("f1", "r1", "j1", "ok", nil)
	stream.OnEmit("f1", "r1", "done", map[string]any{"k": "v"}, "j1")

	for _, sub := range []*subscriber{jobSub, flowSub} {
		var types []string
		for i := 0; i < 3; i++ {
			select {
			case msg := <-sub.ch:
				types = append(types, msg.Type)
			case <-time.After(time.Second):
				t.Fatal("missing stream message")
			}
		}
		assert.Equal(t, []string{"activation_start", "activation_end", "emit"}, types)
	}

	allow, replacement := stream.OnSlotBeforeEnqueue("f1", "r1", "input", "x", "j1")
	assert.True(t, allow)
	assert.Nil(t, replacement)
}

func TestHubCloseAll(t *testing.T) {
	h := newHub()
	a := h.subscribe(jobTopic("a"))
	b := h.subscribe(flowTopic("b"))
	h.closeAll()

	_, open := <-a.ch
	require.False(t, open)
	_, open = <-b.ch
	require.False(t, open)
}
