package bridge

import (
	"encoding/json"

	"ollisten/internal/events"
)

// BusPath is the hub route peers dial.
const BusPath = "/bus"

type op string

const (
	opSubscribe   op = "subscribe"
	opUnsubscribe op = "unsubscribe"
	opPublish     op = "publish"
)

// frame is one WebSocket text message between a hub and a peer.
type frame struct {
	Op   op              `json:"op"`
	Type events.Type     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}
