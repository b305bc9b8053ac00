package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ollisten/internal/events"
)

// ErrClosed is returned by Emit after the connection is gone.
var ErrClosed = errors.New("bus connection closed")

// Client is the transport of a bus running in a child process. It
// subscribes on the hub only for tags that have a local listener.
type Client struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	handlers map[events.Type]map[uint64]func([]byte)

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a hub, for example ws://127.0.0.1:7777/bus.
func Dial(ctx context.Context, url string, log zerolog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bus %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		log:      log,
		handlers: map[events.Type]map[uint64]func([]byte){},
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Listen implements events.Transport.
func (c *Client) Listen(t events.Type, handler func([]byte)) (func(), error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	first := len(c.handlers[t]) == 0
	if first {
		c.handlers[t] = map[uint64]func([]byte){}
	}
	c.handlers[t][id] = handler
	c.mu.Unlock()

	if first {
		if err := c.write(frame{Op: opSubscribe, Type: t}); err != nil {
			c.remove(t, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if c.remove(t, id) {
				_ = c.write(frame{Op: opUnsubscribe, Type: t})
			}
		})
	}, nil
}

// remove drops one handler and reports whether t has none left.
func (c *Client) remove(t events.Type, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers[t], id)
	if len(c.handlers[t]) == 0 {
		delete(c.handlers, t)
		return true
	}
	return false
}

// Emit implements events.Transport.
func (c *Client) Emit(t events.Type, data []byte) error {
	return c.write(frame{Op: opPublish, Type: t, Data: data})
}

func (c *Client) write(f frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	msg, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() { close(c.done) })
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("bus connection lost")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Op != opPublish {
			continue
		}

		c.mu.Lock()
		handlers := make([]func([]byte), 0, len(c.handlers[f.Type]))
		for _, h := range c.handlers[f.Type] {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()

		for _, h := range handlers {
			h(f.Data)
		}
	}
}
