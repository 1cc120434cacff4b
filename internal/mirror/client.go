package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/telemetry"
)

// Client connects a Mirror to a relay over websocket.
type Client struct {
	conn   *websocket.Conn
	mirror *Mirror
	logger telemetry.Logger

	writeMu sync.Mutex
}

// Dial opens a websocket to url and attaches m to it.
func Dial(ctx context.Context, url string, m *Mirror, logger telemetry.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	return &Client{conn: conn, mirror: m, logger: logger}, nil
}

func (c *Client) Mirror() *Mirror {
	return c.mirror
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(data)
}

func (c *Client) writeLocked(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendInput queues an input on the mirror and sends it. Numbering and writing
// happen under the write lock so concurrent callers stay in sequence order.
func (c *Client) SendInput(kind string, payload json.RawMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := c.mirror.Queue(kind, payload)
	if err != nil {
		return err
	}
	return c.writeLocked(data)
}

// Ping sends a clock sample request.
func (c *Client) Ping() error {
	data, err := c.mirror.Ping()
	if err != nil {
		return err
	}
	return c.write(data)
}

// Run reads server frames into the mirror and answers them until ctx is done
// or the connection fails. Frame-level errors are logged and do not stop the
// loop.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.Close()
	})
	defer stop()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		replies, err := c.mirror.Handle(ctx, data)
		if err != nil {
			c.logger.Printf("frame rejected: %v", err)
		}
		for _, reply := range replies {
			if err := c.write(reply); err != nil {
				if errors.Is(err, websocket.ErrCloseSent) {
					return nil
				}
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
