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

// DeleteCommunityMethod removes a community and its data from the node.
const DeleteCommunityMethod = "deleteSubplebbit"

// Client makes one-off JSON-RPC calls. Calls are serialised.
type Client struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
}

// Connect opens a call connection to rpcURL.
func Connect(ctx context.Context, rpcURL *url.URL) (*Client, error) {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := d.DialContext(ctx, rpcURL.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL.Redacted(), err)
	}
	return &Client{conn: conn}, nil
}

// Call sends method and waits for its response. Notifications and responses
// to other ids are skipped.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if params == nil {
		params = []any{}
	}
	c.nextID++
	id := c.nextID

	// unblock ReadMessage when ctx ends
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer func() {
		stop()
		_ = c.conn.SetReadDeadline(time.Time{})
	}()

	if err := c.conn.WriteJSON(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s: %w", method, ctx.Err())
			}
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", method, err)
		}
		if msg.ID == nil || *msg.ID != id {
			continue
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("%s: rpc error %d: %s", method, msg.Error.Code, msg.Error.Message)
		}
		return msg.Result, nil
	}
}

// DeleteCommunity permanently deletes the community at address.
func (c *Client) DeleteCommunity(ctx context.Context, address string) error {
	_, err := c.Call(ctx, DeleteCommunityMethod, address)
	return err
}

// Close ends the connection.
func (c *Client) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := c.conn.Close()
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	return err
}
