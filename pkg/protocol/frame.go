package protocol

import (
	"encoding/json"
	"fmt"
)

// Server->client frame types.
const (
	TypeIncomingMessage  = "incoming_message"
	TypeWhitelistUpdated = "whitelist_updated"
	TypeError            = "error"
)

type IncomingMessageFrame struct {
	Type     string          `json:"type"`
	SenderID string          `json:"sender_id"`
	Payload  json.RawMessage `json:"payload"`
}

type WhitelistUpdatedFrame struct {
	Type             string   `json:"type"`
	Message          string   `json:"message"`
	CurrentWhitelist []string `json:"current_whitelist"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EncodeIncomingMessage builds the frame delivered to an authorized
// recipient. The payload bytes are forwarded exactly as received.
func EncodeIncomingMessage(senderID string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(IncomingMessageFrame{
		Type:     TypeIncomingMessage,
		SenderID: senderID,
		Payload:  payload,
	})
}

func EncodeWhitelistUpdated(message string, current []string) ([]byte, error) {
	if current == nil {
		current = []string{}
	}
	return json.Marshal(WhitelistUpdatedFrame{
		Type:             TypeWhitelistUpdated,
		Message:          message,
		CurrentWhitelist: current,
	})
}

func EncodeError(message string) ([]byte, error) {
	return json.Marshal(ErrorFrame{Type: TypeError, Message: message})
}

// DeliveryFailureMessage is the single text used for every failed
// delivery. A sender must not be able to tell an absent recipient from
// one that has not whitelisted them.
func DeliveryFailureMessage(recipientID string) string {
	return fmt.Sprintf("Could not deliver message to '%s'. The user may be offline or has not whitelisted you.", recipientID)
}
