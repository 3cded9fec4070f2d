package adapter

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/m-mizutani/goerr/v2"

	"github.com/hiveword/substrate/pkg/utils/logging"
)

// wsFrame is the wire form exchanged with the relay
type wsFrame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// WebsocketBroker is a Broker backed by a websocket relay shared by all agent
// processes. Writes are serialized by a mutex since gorilla/websocket allows
// only one concurrent writer.
type WebsocketBroker struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.RWMutex
	topics map[string]map[string]BrokerHandler

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWebsocketBroker dials the relay and starts the read loop
func NewWebsocketBroker(ctx context.Context, relayURL string) (*WebsocketBroker, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to dial broker relay", goerr.V("url", relayURL))
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := &WebsocketBroker{
		conn:   conn,
		topics: map[string]map[string]BrokerHandler{},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.readLoop(loopCtx)

	return b, nil
}

func (b *WebsocketBroker) readLoop(ctx context.Context) {
	defer close(b.done)

	for {
		var frame wsFrame
		if err := b.conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				logging.From(ctx).Warn("broker read loop terminated", "error", err)
			}
			return
		}

		b.mu.RLock()
		handlers := make([]BrokerHandler, 0, len(b.topics[frame.Topic]))
		for _, h := range b.topics[frame.Topic] {
			handlers = append(handlers, h)
		}
		b.mu.RUnlock()

		for _, h := range handlers {
			h(ctx, frame.Payload)
		}
	}
}

func (b *WebsocketBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if err := b.conn.WriteJSON(wsFrame{Topic: topic, Payload: payload}); err != nil {
		return goerr.Wrap(err, "failed to publish to broker", goerr.V("topic", topic))
	}
	return nil
}

func (b *WebsocketBroker) Subscribe(topic string, handler BrokerHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[topic] == nil {
		b.topics[topic] = map[string]BrokerHandler{}
	}
	id := uuid.New().String()
	b.topics[topic][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.topics[topic], id)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

func (b *WebsocketBroker) Close() error {
	b.cancel()
	err := b.conn.Close()
	<-b.done
	return err
}
