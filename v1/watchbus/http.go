package watchbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const defaultHeartbeat = 15 * time.Second

// HandlerOption configures SSEHandler and WebSocketHandler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	heartbeat time.Duration
}

// WithHeartbeat sets how often an idle stream is pinged so proxies keep it
// open. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) HandlerOption {
	return func(c *handlerConfig) {
		c.heartbeat = d
	}
}

func newHandlerConfig(opts []HandlerOption) handlerConfig {
	cfg := handlerConfig{heartbeat: defaultHeartbeat}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// filter selects outcomes from query parameters: "lease" narrows the stream
// to one lease id, "trigger" to one finalize trigger (explicit, expired,
// revoked, shutdown).
type filter struct {
	lease   string
	trigger string
}

func parseFilter(r *http.Request) filter {
	q := r.URL.Query()
	return filter{lease: q.Get("lease"), trigger: q.Get("trigger")}
}

func (f filter) match(msg []byte) bool {
	if f.lease == "" && f.trigger == "" {
		return true
	}
	var o struct {
		ID      string `json:"id"`
		Trigger string `json:"trigger"`
	}
	if err := json.Unmarshal(msg, &o); err != nil {
		return false
	}
	return (f.lease == "" || o.ID == f.lease) && (f.trigger == "" || o.Trigger == f.trigger)
}

// pump forwards matching outcomes to send until ctx ends, the watch channel
// closes or a write fails. ready runs once the watch is registered; ping
// runs on every heartbeat.
func pump(ctx context.Context, bus WatchBus, f filter, heartbeat time.Duration, ready func(), send func([]byte) error, ping func() error) error {
	ch, err := bus.Watch(ctx, AllOutcomesKey)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Unwatch(context.Background(), AllOutcomesKey, ch) }()
	ready()

	var beat <-chan time.Time
	if heartbeat > 0 {
		t := time.NewTicker(heartbeat)
		defer t.Stop()
		beat = t.C
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !f.match(msg) {
				continue
			}
			if err := send(msg); err != nil {
				return nil
			}
		case <-beat:
			if err := ping(); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// SSEHandler streams lease outcomes as Server-Sent Events named "outcome".
func SSEHandler(bus WatchBus, opts ...HandlerOption) http.HandlerFunc {
	cfg := newHandlerConfig(opts)
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		f := parseFilter(r)
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Headers go out once the watch is registered, so a client that
		// sees them will not miss later outcomes.
		ready := func() {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			flusher.Flush()
		}
		send := func(msg []byte) error {
			if _, err := fmt.Fprintf(w, "event: outcome\ndata: %s\n\n", msg); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}
		ping := func() error {
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}
		if err := pump(ctx, bus, f, cfg.heartbeat, ready, send, ping); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams lease outcomes as WebSocket text messages. The
// client is not expected to send anything; reads only detect it leaving.
func WebSocketHandler(bus WatchBus, opts ...HandlerOption) http.HandlerFunc {
	cfg := newHandlerConfig(opts)
	return func(w http.ResponseWriter, r *http.Request) {
		f := parseFilter(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(512)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		send := func(msg []byte) error {
			return conn.WriteMessage(websocket.TextMessage, msg)
		}
		ping := func() error {
			return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
		}
		if err := pump(ctx, bus, f, cfg.heartbeat, func() {}, send, ping); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
				time.Now().Add(time.Second))
		}
	}
}
