// Package rpcclient attaches to a running node RPC server over WebSocket and
// watches its community list.
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// JSON-RPC method names used by the node RPC server.
const (
	SubscribeMethod    = "subplebbitsSubscribe"
	NotificationMethod = "subplebbitsNotification"
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type notification struct {
	Subscription json.RawMessage `json:"subscription"`
	Result       []string        `json:"result"`
}

// Monitor is a live connection to an RPC server we do not own.
type Monitor struct {
	conn *websocket.Conn

	readyOnce sync.Once
	ready     chan struct{}

	mu          sync.RWMutex
	communities []string

	errs      chan error
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to rpcURL and subscribes to community list updates.
func Dial(ctx context.Context, rpcURL *url.URL) (*Monitor, error) {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := d.DialContext(ctx, rpcURL.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL.Redacted(), err)
	}
	m := &Monitor{
		conn:   conn,
		ready:  make(chan struct{}),
		errs:   make(chan error, 16),
		closed: make(chan struct{}),
	}
	if err := conn.WriteJSON(request{JSONRPC: "2.0", ID: 1, Method: SubscribeMethod, Params: []any{}}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	go m.readLoop()
	return m, nil
}

func (m *Monitor) readLoop() {
	defer close(m.errs)
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			select {
			case <-m.closed:
			default:
				m.pushErr(fmt.Errorf("rpc connection: %w", err))
			}
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			m.pushErr(fmt.Errorf("decode rpc message: %w", err))
			continue
		}
		if msg.Error != nil {
			m.pushErr(fmt.Errorf("rpc error %d: %s", msg.Error.Code, msg.Error.Message))
			continue
		}
		if msg.Method != NotificationMethod {
			continue
		}
		var n notification
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			m.pushErr(fmt.Errorf("decode %s: %w", NotificationMethod, err))
			continue
		}
		m.mu.Lock()
		m.communities = append([]string(nil), n.Result...)
		m.mu.Unlock()
		m.readyOnce.Do(func() { close(m.ready) })
	}
}

// pushErr never blocks; errors beyond the buffer are dropped.
func (m *Monitor) pushErr(err error) {
	select {
	case m.errs <- err:
	default:
	}
}

// Ready is closed once the first community list arrives.
func (m *Monitor) Ready() <-chan struct{} { return m.ready }

// Communities returns the latest community list.
func (m *Monitor) Communities() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.communities...)
}

// Errors streams connection and protocol errors; closed when the connection ends.
func (m *Monitor) Errors() <-chan error { return m.errs }

// Close ends the connection. Safe to call more than once.
func (m *Monitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = m.conn.Close()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}
