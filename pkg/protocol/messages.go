// Package protocol defines the JSON frames exchanged between collaboration
// clients, the relay server and the signaling server.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType names a relay or peer frame.
type MessageType string

const (
	// Client to relay.
	TypeJoin MessageType = "join"

	// Both directions.
	TypeSync            MessageType = "sync"
	TypeUpdate          MessageType = "update"
	TypeAwareness       MessageType = "awareness"
	TypeAwarenessRemove MessageType = "awareness-remove"

	// Relay to client.
	TypeSynced MessageType = "synced"
	TypeError  MessageType = "error"
)

// Envelope is one frame on a relay websocket or a mesh data channel.
// Payload carries an encoded document or awareness update.
type Envelope struct {
	Type     MessageType `json:"type"`
	Room     string      `json:"room,omitempty"`
	Token    string      `json:"token,omitempty"`
	ClientID uint64      `json:"clientId,omitempty"`
	Payload  []byte      `json:"payload,omitempty"`
	Clients  []uint64    `json:"clients,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Encode marshals e.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a frame and rejects frames without a type.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return e, nil
}

// Signaling frames follow the y-webrtc signaling server protocol.
const (
	SignalSubscribe   = "subscribe"
	SignalUnsubscribe = "unsubscribe"
	SignalPublish     = "publish"
	SignalPing        = "ping"
	SignalPong        = "pong"
)

// SignalMessage is a frame on a signaling websocket.
type SignalMessage struct {
	Type    string          `json:"type"`
	Topics  []string        `json:"topics,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Clients int             `json:"clients,omitempty"`
}

// Mesh payload kinds carried inside a published SignalMessage.
const (
	PeerAnnounce = "announce"
	PeerSignal   = "signal"
)

// PeerMessage is the (optionally encrypted) data of a publish frame.
type PeerMessage struct {
	Type   string          `json:"type"`
	From   string          `json:"from"`
	To     string          `json:"to,omitempty"`
	Signal *PeerSignalData `json:"signal,omitempty"`
}

// PeerSignalData carries one WebRTC negotiation step.
type PeerSignalData struct {
	Type      string          `json:"type"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}
