package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"ollisten/internal/events"
)

const peerSendBuffer = 256

type peer struct {
	conn  *websocket.Conn
	send  chan []byte
	mu    sync.Mutex
	types map[events.Type]bool
}

func (p *peer) subscribed(t events.Type) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.types[t]
}

func (p *peer) setSubscribed(t events.Type, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on {
		p.types[t] = true
		return
	}
	delete(p.types, t)
}

// Hub relays envelopes between agent and monitor processes over WebSocket.
// It is also the transport of the hosting process's own bus.
type Hub struct {
	echo     *echo.Echo
	upgrader websocket.Upgrader
	log      zerolog.Logger
	local    *Memory

	mu    sync.RWMutex
	peers map[*peer]struct{}
	relay events.Transport
}

// NewHub creates a hub serving BusPath.
func NewHub(log zerolog.Logger) *Hub {
	h := &Hub{
		echo:  echo.New(),
		log:   log,
		local: NewMemory(),
		peers: map[*peer]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	h.echo.HideBanner = true
	h.echo.HidePort = true
	h.echo.GET(BusPath, h.serveBus)
	h.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]int{"peers": h.PeerCount()})
	})
	return h
}

// Handler exposes the hub routes.
func (h *Hub) Handler() http.Handler {
	return h.echo
}

// Start listens on addr until Shutdown.
func (h *Hub) Start(addr string) error {
	if err := h.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes the listener and every peer connection.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for p := range h.peers {
		_ = p.conn.Close()
	}
	h.mu.Unlock()
	return h.echo.Shutdown(ctx)
}

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Subscribers returns how many peers listen for t.
func (h *Hub) Subscribers(t events.Type) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for p := range h.peers {
		if p.subscribed(t) {
			n++
		}
	}
	return n
}

// Relay re-emits every envelope published by a peer on downstream, so a
// frontend attached to the hosting process sees agent traffic too.
func (h *Hub) Relay(downstream events.Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relay = downstream
}

// Listen implements events.Transport for the hosting bus.
func (h *Hub) Listen(t events.Type, handler func([]byte)) (func(), error) {
	return h.local.Listen(t, handler)
}

// Emit implements events.Transport for the hosting bus.
func (h *Hub) Emit(t events.Type, data []byte) error {
	h.forward(nil, t, data)
	return nil
}

func (h *Hub) serveBus(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	p := &peer{
		conn:  conn,
		send:  make(chan []byte, peerSendBuffer),
		types: map[events.Type]bool{},
	}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	h.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("bus peer connected")

	go h.writeLoop(p)
	h.readLoop(p)

	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
	close(p.send)
	h.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("bus peer disconnected")
	return nil
}

func (h *Hub) readLoop(p *peer) {
	defer p.conn.Close()
	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn().Err(err).Msg("bus peer read failed")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			h.log.Warn().Err(err).Msg("dropping malformed bus frame")
			continue
		}
		switch f.Op {
		case opSubscribe:
			p.setSubscribed(f.Type, true)
		case opUnsubscribe:
			p.setSubscribed(f.Type, false)
		case opPublish:
			h.forward(p, f.Type, f.Data)
			_ = h.local.Emit(f.Type, f.Data)
			h.relayEmit(f.Type, f.Data)
		default:
			h.log.Warn().Str("op", string(f.Op)).Msg("unknown bus frame op")
		}
	}
}

func (h *Hub) relayEmit(t events.Type, data []byte) {
	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay == nil {
		return
	}
	if err := relay.Emit(t, data); err != nil {
		h.log.Debug().Err(err).Str("type", string(t)).Msg("relay emit failed")
	}
}

func (h *Hub) writeLoop(p *peer) {
	for msg := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Warn().Err(err).Msg("bus peer write failed")
			_ = p.conn.Close()
			for range p.send {
			}
			return
		}
	}
}

// forward sends data to every peer subscribed to t except from.
func (h *Hub) forward(from *peer, t events.Type, data []byte) {
	msg, err := json.Marshal(frame{Op: opPublish, Type: t, Data: data})
	if err != nil {
		h.log.Warn().Err(err).Msg("encode bus frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.peers {
		if p == from || !p.subscribed(t) {
			continue
		}
		select {
		case p.send <- msg:
		default:
			h.log.Warn().Str("type", string(t)).Msg("bus peer too slow, dropping event")
		}
	}
}
