package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"weave/internal/flow"
)

// wsMessage is the frame pushed to stream subscribers.
type wsMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// subscriber is one WebSocket client listening on a topic.
type subscriber struct {
	ch   chan wsMessage
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// hub fans execution events out to topic subscribers. Topics are "job/<id>"
// and "flow/<id>". Slow subscribers drop frames rather than block the engine.
type hub struct {
	mu     sync.Mutex
	topics map[string]map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{topics: make(map[string]map[*subscriber]struct{})}
}

func (h *hub) subscribe(topic string) *subscriber {
	sub := &subscriber{ch: make(chan wsMessage, 64)}
	h.mu.Lock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*subscriber]struct{})
	}
	h.topics[topic][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub) unsubscribe(topic string, sub *subscriber) {
	h.mu.Lock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()
	sub.close()
}

func (h *hub) publish(topic string, msg wsMessage) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.topics[topic]))
	for sub := range h.topics[topic] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.topics {
		for sub := range subs {
			sub.close()
		}
		delete(h.topics, topic)
	}
}

func jobTopic(jobID string) string   { return "job/" + jobID }
func flowTopic(flowID string) string { return "flow/" + flowID }

// jobMonitorFrame is the periodic snapshot pushed on job monitor streams.
type jobMonitorFrame struct {
	Job        flow.JobSnapshot `json:"job"`
	Pending    int              `json:"pending_tasks"`
	QueueDepth int              `json:"queue_depth"`
}

// flowMonitorFrame is the periodic snapshot pushed on flow monitor streams.
type flowMonitorFrame struct {
	FlowID     string                `json:"flow_id"`
	Routines   map[string]flow.Stats `json:"routines"`
	QueueDepth int                   `json:"queue_depth"`
	ActiveJobs int                   `json:"active_jobs"`
}

// handleJobMonitorWS streams job snapshots roughly once a second, plus live
// execution events.
func (s *Server) handleJobMonitorWS(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, found := s.runtime.Jobs().Get(jobID); !found {
		failMsg(c, http.StatusNotFound, "job not found")
		return
	}
	s.serveStream(c, jobTopic(jobID), func() (wsMessage, bool) {
		snap, found := s.runtime.Jobs().Snapshot(jobID)
		if !found {
			return wsMessage{}, false
		}
		return wsMessage{
			Type:      "job_snapshot",
			Timestamp: time.Now(),
			Payload: jobMonitorFrame{
				Job:        snap,
				Pending:    s.runtime.Jobs().Pending(jobID),
				QueueDepth: s.runtime.QueueDepth(),
			},
		}, true
	})
}

// handleJobDebugWS streams breakpoint captures for a job.
func (s *Server) handleJobDebugWS(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, found := s.runtime.Jobs().Get(jobID); !found {
		failMsg(c, http.StatusNotFound, "job not found")
		return
	}
	s.serveStream(c, jobTopic(jobID), func() (wsMessage, bool) {
		job, found := s.runtime.Jobs().Get(jobID)
		if !found {
			return wsMessage{}, false
		}
		return wsMessage{
			Type:      "debug_data",
			Timestamp: time.Now(),
			Payload: gin.H{
				"debug_data":  job.DebugData(),
				"breakpoints": s.runtime.Breakpoints().ListForJob(jobID),
			},
		}, true
	})
}

// handleFlowMonitorWS streams per-routine stats for a flow.
func (s *Server) handleFlowMonitorWS(c *gin.Context) {
	flowID := c.Param("flow_id")
	if _, found := s.runtime.Flows().Get(flowID); !found {
		failMsg(c, http.StatusNotFound, "flow not found")
		return
	}
	s.serveStream(c, flowTopic(flowID), func() (wsMessage, bool) {
		f, found := s.runtime.Flows().Get(flowID)
		if !found {
			return wsMessage{}, false
		}
		stats := make(map[string]flow.Stats)
		for _, id := range f.RoutineIDs() {
			if r, found := f.Routine(id); found {
				stats[id] = r.Stats()
			}
		}
		return wsMessage{
			Type:      "flow_snapshot",
			Timestamp: time.Now(),
			Payload: flowMonitorFrame{
				FlowID:     flowID,
				Routines:   stats,
				QueueDepth: s.runtime.QueueDepth(),
				ActiveJobs: s.runtime.Jobs().ActiveCount(),
			},
		}, true
	})
}

// serveStream upgrades the connection and multiplexes three sources: periodic
// snapshots, hub events, and pings. It returns when the client goes away or
// the server stops.
func (s *Server) serveStream(c *gin.Context, topic string, snapshot func() (wsMessage, bool)) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.hub.subscribe(topic)
	defer s.hub.unsubscribe(topic, sub)

	// Drain client frames so close and pong handling work.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pushTicker := time.NewTicker(s.cfg.PushInterval)
	defer pushTicker.Stop()
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	writeJSON := func(msg wsMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(msg) == nil
	}

	if msg, found := snapshot(); found {
		if !writeJSON(msg) {
			return
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-clientGone:
			return
		case msg, open := <-sub.ch:
			if !open {
				return
			}
			if !writeJSON(msg) {
				return
			}
		case <-pushTicker.C:
			msg, found := snapshot()
			if !found {
				return
			}
			if !writeJSON(msg) {
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
