package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ritualos/ritualos/core/infra/events"
	"github.com/ritualos/ritualos/core/infra/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return isAllowedOrigin(r) },
}

// StartAuditTap subscribes to the audit subjects and fans envelopes out to
// connected websocket clients. Slow clients are dropped rather than allowed
// to stall the broadcast loop.
func (s *Server) StartAuditTap() {
	if s.bus == nil {
		return
	}
	if err := s.bus.Subscribe(events.SubjectAuditAll, "", func(env *events.Envelope) error {
		select {
		case s.eventsCh <- env:
		default:
		}
		return nil
	}); err != nil {
		logging.Error("gateway", "audit tap subscribe failed", "subject", events.SubjectAuditAll, "error", err)
		return
	}

	go func() {
		for env := range s.eventsCh {
			var slow []*websocket.Conn
			s.clientsMu.RLock()
			for conn, ch := range s.clients {
				select {
				case ch <- env:
				default:
					slow = append(slow, conn)
				}
			}
			s.clientsMu.RUnlock()

			if len(slow) > 0 {
				s.clientsMu.Lock()
				for _, conn := range slow {
					delete(s.clients, conn)
				}
				s.clientsMu.Unlock()
				for _, conn := range slow {
					if err := conn.Close(); err != nil {
						logging.Error("gateway", "ws client close failed", "error", err)
					}
				}
			}
		}
	}()
}

func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("gateway", "ws connected", "remote", r.RemoteAddr)

	clientCh := make(chan *events.Envelope, 100)
	s.clientsMu.Lock()
	s.clients[ws] = clientCh
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
	}()

	for {
		select {
		case env, ok := <-clientCh:
			if !ok {
				return
			}
			data, err := env.Encode()
			if err != nil {
				logging.Error("gateway", "envelope encode failed", "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
