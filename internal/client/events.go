package client

import (
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"aedthub/internal/logging"
)

// Event mirrors one backend push notification.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EventStream is a live subscription to the backend's /ws/events push
// channel. Property events are folded into the replica before the callback
// fires, so handlers always observe an up-to-date record.
type EventStream struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

// Subscribe connects to the event stream and delivers every event to
// onEvent from a dedicated goroutine. Close the stream to stop.
func (c *Client) Subscribe(onEvent func(Event)) (*EventStream, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}

	stream := &EventStream{conn: conn, done: make(chan struct{})}
	go func() {
		defer close(stream.done)
		for {
			var event Event
			if err := conn.ReadJSON(&event); err != nil {
				logging.Debug("Event stream closed", "error", err)
				return
			}
			if event.Type == "properties" && event.Payload != nil {
				if err := c.record.SetMany(event.Payload); err != nil {
					logging.Warn("Replica could not absorb pushed properties", "error", err)
				}
			}
			if onEvent != nil {
				onEvent(event)
			}
		}
	}()
	return stream, nil
}

// Close tears the subscription down and waits for the reader to exit.
func (s *EventStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
		<-s.done
	})
	return err
}
