package api

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"signalos-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamableTopics are the bus events a websocket client may subscribe to.
// Default is the audit feed, which carries every stage transition.
var streamableTopics = map[string]events.Event{
	"audit":       events.EventAudit,
	"rejected":    events.EventSignalRejected,
	"filled":      events.EventCommandFilled,
	"retried":     events.EventCommandRetried,
	"dead_letter": events.EventCommandDeadLetter,
}

// websocket streams live pipeline events as JSON, one record per message.
// Clients pick topics with ?topics=audit,filled; unknown names are ignored.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	topics := parseTopics(c.Query("topics"))

	merged := make(chan any, 100)
	for _, ev := range topics {
		stream, unsub := s.Bus.Subscribe(ev, 100)
		defer unsub()
		go func(in <-chan any) {
			for msg := range in {
				select {
				case merged <- msg:
				default:
					// slow client; drop rather than back up the bus
				}
			}
		}(stream)
	}

	// Read pump: we ignore client messages but need the read loop to
	// notice a closed connection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg := <-merged:
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}
}

func parseTopics(raw string) []events.Event {
	if raw == "" {
		return []events.Event{events.EventAudit}
	}
	var out []events.Event
	for _, name := range strings.Split(raw, ",") {
		if ev, ok := streamableTopics[strings.TrimSpace(name)]; ok {
			out = append(out, ev)
		}
	}
	if len(out) == 0 {
		out = []events.Event{events.EventAudit}
	}
	return out
}
