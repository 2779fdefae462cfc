package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hutchcloud/hutch/pkg/events"
	"github.com/hutchcloud/hutch/pkg/metrics"
)

const (
	watchWriteWait  = 10 * time.Second
	watchPingPeriod = 30 * time.Second
)

func eventView(ev *events.Event) EventView {
	return EventView{
		ID:        ev.ID,
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		Instance:  ev.Instance,
		Namespace: ev.Namespace,
		Group:     ev.Group,
		Sequence:  ev.Sequence,
		Message:   ev.Message,
		Metadata:  ev.Metadata,
	}
}

// handleWatch upgrades to a websocket and streams control-plane events
// until the peer hangs up. Optional query filters: namespace (prefix
// match) and type (repeatable, exact match).
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nsPrefix := q.Get("namespace")
	wantType := make(map[string]bool, len(q["type"]))
	for _, t := range q["type"] {
		wantType[t] = true
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("watch upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub)
	metrics.WatchSessions.Inc()
	defer metrics.WatchSessions.Dec()
	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("watch session opened")

	// The peer never sends data; reads exist to notice the close frame.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(watchPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if nsPrefix != "" && !strings.HasPrefix(ev.Namespace, nsPrefix) {
				continue
			}
			if len(wantType) > 0 && !wantType[string(ev.Type)] {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteJSON(eventView(ev)); err != nil {
				s.logger.Debug().Err(err).Msg("watch session closed")
				return
			}
		}
	}
}
