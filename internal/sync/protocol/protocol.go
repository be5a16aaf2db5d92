// Package protocol defines the wire format spoken between a quilt client and
// the relay server.
//
// Every message is a JSON envelope {type, timestamp, messageId, payload}
// carried over a websocket text frame. Payload contents are typed per message
// kind; operation payloads are opaque sealed bytes that this layer never
// inspects.
package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quiltsync/quilt/internal/sync/clock"
)

// MessageType identifies the kind of wire message.
type MessageType string

const (
	// TypeConnect is the client handshake sent after the socket opens.
	TypeConnect MessageType = "CONNECT"

	// TypeConnected is the server's handshake acknowledgement.
	TypeConnected MessageType = "CONNECTED"

	// TypeSyncRequest asks the server for operations since a timestamp.
	TypeSyncRequest MessageType = "SYNC_REQUEST"

	// TypeSyncResponse carries a page of remote operations.
	TypeSyncResponse MessageType = "SYNC_RESPONSE"

	// TypeOperation carries a single operation (push in either direction).
	TypeOperation MessageType = "OPERATION"

	// TypeAck acknowledges receipt of a pushed operation.
	TypeAck MessageType = "ACK"

	// TypeError reports a server-side failure.
	TypeError MessageType = "ERROR"

	// TypeHeartbeat is the liveness probe; receivers echo it immediately.
	TypeHeartbeat MessageType = "HEARTBEAT"
)

// Envelope is the outer JSON frame for every wire message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	MessageID string          `json:"messageId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload in an envelope with a fresh message ID and the
// current time.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	env := Envelope{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		MessageID: uuid.NewString(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// OpType is the kind of mutation an operation carries.
type OpType string

const (
	OpAdd    OpType = "add"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Operation is a single local mutation queued for propagation to peers.
//
// Payload holds sealed (encrypted) entity contents and is never inspected by
// the sync layer. The vector clock snapshot records the causal context at the
// time the operation was created.
type Operation struct {
	ID          string       `json:"id"`
	Type        OpType       `json:"operationType"`
	EntityType  string       `json:"entityType"`
	EntityID    string       `json:"entityId"`
	Payload     []byte       `json:"payload,omitempty"`
	VectorClock clock.Vector `json:"vectorClock"`
	DeviceID    string       `json:"deviceId"`
	Timestamp   int64        `json:"timestamp"` // unix milliseconds
	Signature   string       `json:"signature,omitempty"`
}

// Validate checks that the operation has the fields peers require.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch o.Type {
	case OpAdd, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("invalid operation type %q", o.Type)
	}
	if o.EntityType == "" {
		return fmt.Errorf("entityType is required")
	}
	if o.EntityID == "" {
		return fmt.Errorf("entityId is required")
	}
	if o.DeviceID == "" {
		return fmt.Errorf("deviceId is required")
	}
	if o.Timestamp <= 0 {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// SigningBytes returns the canonical digest input covered by the operation
// signature: identity, tuple, timestamp, and sealed payload.
func (o *Operation) SigningBytes() []byte {
	h := sha256.New()
	for _, s := range []string{o.ID, string(o.Type), o.EntityType, o.EntityID, o.DeviceID} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(o.Timestamp))
	h.Write(ts[:])
	h.Write(o.Payload)
	return h.Sum(nil)
}

// ConnectPayload is the client handshake.
type ConnectPayload struct {
	DeviceID          string       `json:"deviceId"`
	DeviceName        string       `json:"deviceName"`
	PublicKey         string       `json:"publicKey"`
	VectorClock       clock.Vector `json:"vectorClock"`
	LastSyncTimestamp int64        `json:"lastSyncTimestamp"`
}

// ConnectedPayload is the server handshake acknowledgement.
type ConnectedPayload struct {
	ServerTime        int64        `json:"serverTime"`
	ServerVectorClock clock.Vector `json:"serverVectorClock"`
}

// SyncRequestPayload asks for operations the server has seen since a
// timestamp. Limit bounds the page size; the server sets hasMore on the
// response when further pages remain.
type SyncRequestPayload struct {
	DeviceID    string       `json:"deviceId"`
	VectorClock clock.Vector `json:"vectorClock"`
	Since       int64        `json:"since"`
	Limit       int          `json:"limit,omitempty"`
}

// SyncResponsePayload is one page of remote operations.
type SyncResponsePayload struct {
	Operations []Operation `json:"operations"`
	HasMore    bool        `json:"hasMore"`
}

// OperationPayload wraps a single pushed operation.
type OperationPayload struct {
	Operation Operation `json:"operation"`
}

// AckPayload acknowledges a pushed operation by ID.
type AckPayload struct {
	OperationID string `json:"operationId"`
}

// ErrorPayload reports a server-side failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatPayload is the liveness probe body.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}
