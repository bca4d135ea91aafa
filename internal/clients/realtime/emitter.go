package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/dpup/prefab/logging"

	"github.com/deliverly/navigator/internal/clients/backend"
	"github.com/deliverly/navigator/internal/lib/delivery"
)

// Event names understood by the dispatch server.
const (
	EventDriverLocation = "driver_location_update"
	EventRoute          = "route_update"
)

// Message is the frame written for every emitted event.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ErrDialInProgress is returned by emits made while another emit is still
// connecting. Such events are dropped rather than queued.
var ErrDialInProgress = errors.New("realtime: connection in progress")

// Emitter publishes driver events over a single WebSocket connection. The
// connection is dialled lazily on the first emit and re-dialled after a
// failed write.
type Emitter struct {
	url         string
	dialTimeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	dialing bool
}

// NewEmitter creates an emitter for the given ws:// or wss:// URL.
func NewEmitter(url string) *Emitter {
	return &Emitter{url: url, dialTimeout: 20 * time.Second}
}

// EmitLocation publishes a driver_location_update event.
func (e *Emitter) EmitLocation(ctx context.Context, update delivery.LocationUpdate) error {
	return e.emit(ctx, EventDriverLocation, update.OrderID, update)
}

// EmitRoute publishes a route_update event.
func (e *Emitter) EmitRoute(ctx context.Context, update delivery.RouteUpdate) error {
	return e.emit(ctx, EventRoute, update.OrderID, update)
}

func (e *Emitter) emit(ctx context.Context, event, orderID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &backend.ReportingError{Op: "emit " + event, OrderID: orderID, Err: err}
	}

	conn, err := e.connection(ctx)
	if err != nil {
		return &backend.ReportingError{Op: "emit " + event, OrderID: orderID, Err: err}
	}

	if err := wsjson.Write(ctx, conn, Message{Event: event, Data: data}); err != nil {
		e.mu.Lock()
		if e.conn == conn {
			e.conn = nil
		}
		e.mu.Unlock()
		conn.Close(websocket.StatusInternalError, "write failed")
		return &backend.ReportingError{Op: "emit " + event, OrderID: orderID, Err: err}
	}
	return nil
}

// connection returns the open connection, dialling one if needed. The lock is
// not held while dialling.
func (e *Emitter) connection(ctx context.Context) (*websocket.Conn, error) {
	e.mu.Lock()
	if e.conn != nil {
		conn := e.conn
		e.mu.Unlock()
		return conn, nil
	}
	if e.dialing {
		e.mu.Unlock()
		return nil, ErrDialInProgress
	}
	e.dialing = true
	e.mu.Unlock()

	conn, err := e.dial(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.dialing = false
	if err != nil {
		return nil, err
	}
	e.conn = conn
	return conn, nil
}

func (e *Emitter) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, e.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", e.url, err)
	}
	// The server never sends data; this keeps ping and close frames flowing.
	conn.CloseRead(context.Background())
	logging.Infow(logging.EnsureLogger(ctx), "realtime: connected", "url", e.url)
	return conn, nil
}

// Close closes the connection if one is open. It is safe to call repeatedly.
func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil
	}
	err := e.conn.Close(websocket.StatusNormalClosure, "")
	e.conn = nil
	return err
}
