package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType names a signaling message.
type MessageType string

// Host agent → broker.
const (
	MsgHeartbeat        MessageType = "heartbeat"
	MsgSessionAnswer    MessageType = "session_answer"
	MsgSessionTerminate MessageType = "session_terminate"
)

// Client → broker.
const (
	MsgSessionCancel     MessageType = "session_cancel"
	MsgSessionDisconnect MessageType = "session_disconnect"
	MsgKeepalive         MessageType = "keepalive"
)

// Either peer → broker.
const (
	MsgDirectConfirmed MessageType = "direct_confirmed"
)

// Broker → peers.
const (
	MsgSessionOffer      MessageType = "session_offer"
	MsgDirectConnect     MessageType = "direct_connect"
	MsgRelayConnect      MessageType = "relay_connect"
	MsgSessionTerminated MessageType = "session_terminated"
	MsgSessionUpdate     MessageType = "session_update"
	MsgHostStatus        MessageType = "host_status"
	MsgPeerConfig        MessageType = "peer_config"
	MsgPeerRemove        MessageType = "peer_remove"
	MsgError             MessageType = "error"
)

// Answer statuses reported by host agents.
const (
	AnswerReady    = "READY"
	AnswerRejected = "REJECTED"
)

// Envelope is the frame every signaling message travels in.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope wraps payload in an envelope stamped with a fresh request id.
func NewEnvelope(msgType MessageType, sessionID string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      msgType,
		SessionID: sessionID,
		RequestID: uuid.NewString(),
		Timestamp: time.Now().Unix(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("signaling: encode %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that always encode.
func MustEnvelope(msgType MessageType, sessionID string, payload any) Envelope {
	env, err := NewEnvelope(msgType, sessionID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// NewErrorEnvelope builds an error reply to requestID.
func NewErrorEnvelope(requestID, code, message string) Envelope {
	env := MustEnvelope(MsgError, "", ErrorPayload{Code: code, Message: message})
	env.RequestID = requestID
	return env
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("signaling: empty payload")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("signaling: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ParseEnvelope decodes a raw frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("signaling: invalid frame: %w", err)
	}
	env.Type = MessageType(strings.TrimSpace(string(env.Type)))
	if env.Type == "" {
		return Envelope{}, errors.New("signaling: message type is required")
	}
	return env, nil
}

// HeartbeatPayload is sent periodically by host agents.
type HeartbeatPayload struct {
	HostID    string  `json:"host_id"`
	Timestamp int64   `json:"timestamp"`
	Load      float64 `json:"load"`
}

// SessionAnswerPayload is the host's reply to an offer.
type SessionAnswerPayload struct {
	SessionID     string `json:"session_id"`
	HostPublicKey string `json:"host_public_key,omitempty"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

// SessionRefPayload identifies a session, for cancel, disconnect, keepalive and direct_confirmed.
type SessionRefPayload struct {
	SessionID string `json:"session_id"`
}

// SessionTerminatePayload asks the broker to end a session.
type SessionTerminatePayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// SessionOfferPayload asks a host to accept a session.
type SessionOfferPayload struct {
	SessionID        string `json:"session_id"`
	UserID           string `json:"user_id"`
	ClientPublicKey  string `json:"client_public_key"`
	ClientAddress    string `json:"client_address"`
	HostAddress      string `json:"host_address"`
	GatewayEndpoint  string `json:"gateway_endpoint,omitempty"`
	GatewayPublicKey string `json:"gateway_public_key,omitempty"`
	ExpiresAt        int64  `json:"expires_at"`
}

// DirectConnectPayload tells a peer to attempt a direct path.
type DirectConnectPayload struct {
	SessionID     string `json:"session_id"`
	PeerPublicKey string `json:"peer_public_key"`
	PeerEndpoint  string `json:"peer_endpoint,omitempty"`
	LocalAddress  string `json:"local_address"`
	PeerAddress   string `json:"peer_address"`
	WindowMillis  int64  `json:"window_ms"`
}

// RelayConnectPayload tells a peer to route through the gateway.
type RelayConnectPayload struct {
	SessionID      string `json:"session_id"`
	RelayEndpoint  string `json:"relay_endpoint"`
	RelayPublicKey string `json:"relay_public_key"`
	LocalAddress   string `json:"local_address"`
	PeerAddress    string `json:"peer_address"`
}

// SessionTerminatedPayload notifies a peer that a session ended.
type SessionTerminatedPayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// SessionUpdatePayload reports session progress to the client.
type SessionUpdatePayload struct {
	SessionID      string `json:"session_id"`
	Status         string `json:"status"`
	ConnectionType string `json:"connection_type,omitempty"`
	HostPublicKey  string `json:"host_public_key,omitempty"`
	ClientAddress  string `json:"client_address,omitempty"`
	HostAddress    string `json:"host_address,omitempty"`
	RelayEndpoint  string `json:"relay_endpoint,omitempty"`
	RelayPublicKey string `json:"relay_public_key,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// HostStatusPayload announces host presence changes to org members.
type HostStatusPayload struct {
	HostID string `json:"host_id"`
	Status string `json:"status"`
}

// PeerConfigPayload installs a session's peers on a gateway.
type PeerConfigPayload struct {
	SessionID       string `json:"session_id"`
	ClientAddress   string `json:"client_address"`
	HostAddress     string `json:"host_address"`
	ClientPublicKey string `json:"client_public_key"`
	HostPublicKey   string `json:"host_public_key"`
	ExpiresAt       int64  `json:"expires_at"`
}

// PeerRemovePayload removes a session's peers from a gateway.
type PeerRemovePayload struct {
	SessionID string `json:"session_id"`
}

// ErrorPayload describes a rejected inbound message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
