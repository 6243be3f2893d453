// Package appserver maintains the JSON-over-TCP session with the remote
// application server and translates between it and the CAN transport.
package appserver

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dmsbridge/canbridge"
)

// Wire message types. Each message travels as a single-line JSON object.
const (
	TypeCANMessage     = "can_message"
	TypeHeartbeat      = "heartbeat"
	TypeStatusResponse = "status_response"
	TypeCANCommand     = "can_command"
	TypeStatusRequest  = "status_request"
)

// Message is the server wire format. CANID and Data are set for can_message
// and can_command, Status for status_response.
type Message struct {
	Type      string `json:"type"`
	CANID     uint32 `json:"canId,omitempty"`
	Data      string `json:"data,omitempty"`
	Timestamp uint64 `json:"timestamp,omitempty"`
	Status    string `json:"status,omitempty"`
}

// CANMessage builds an outbound can_message with hex-encoded payload.
func CANMessage(id uint32, payload []byte) Message {
	return Message{
		Type:      TypeCANMessage,
		CANID:     id,
		Data:      hex.EncodeToString(payload),
		Timestamp: nowMicros(),
	}
}

// Heartbeat builds the periodic liveness message.
func Heartbeat() Message {
	return Message{
		Type:      TypeHeartbeat,
		Timestamp: nowMicros(),
	}
}

// StatusResponse builds the reply to a status_request.
func StatusResponse(status string) Message {
	return Message{
		Type:      TypeStatusResponse,
		Status:    status,
		Timestamp: nowMicros(),
	}
}

// Payload decodes the hex data field and enforces the CAN payload limit.
func (m Message) Payload() ([]byte, error) {
	data, err := hex.DecodeString(m.Data)
	if err != nil {
		return nil, fmt.Errorf("appserver: decode payload %q: %w", m.Data, err)
	}
	if len(data) > canbridge.MaxPayload {
		return nil, fmt.Errorf("appserver: %w: %d bytes", canbridge.ErrPayloadTooLarge, len(data))
	}
	return data, nil
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
