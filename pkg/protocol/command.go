package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Client->server command types.
const (
	TypeRegister                = "register"
	TypeMessage                 = "message"
	TypeWhitelistAdd            = "whitelist_add"
	TypeWhitelistRemove         = "whitelist_remove"
	TypeWhitelistToggleWildcard = "whitelist_toggle_wildcard"
)

// Command is the closed set of client commands. Exactly one of the
// concrete types below is produced by Parse for every accepted frame.
type Command interface {
	CommandType() string
}

// Register is the mandatory first command on every connection.
type Register struct {
	UserID string
	// Whitelist is the raw list from the wire; ["*"] selects wildcard
	// mode, anything else (including empty) is an explicit allow-list.
	Whitelist []string
}

type Message struct {
	RecipientID string
	// Payload holds the exact bytes of the payload member so delivery
	// forwards it unmodified.
	Payload json.RawMessage
}

type WhitelistAdd struct {
	UserID string
}

type WhitelistRemove struct {
	UserID string
}

type WhitelistToggleWildcard struct {
	Enabled bool
}

func (Register) CommandType() string                { return TypeRegister }
func (Message) CommandType() string                 { return TypeMessage }
func (WhitelistAdd) CommandType() string            { return TypeWhitelistAdd }
func (WhitelistRemove) CommandType() string         { return TypeWhitelistRemove }
func (WhitelistToggleWildcard) CommandType() string { return TypeWhitelistToggleWildcard }

var (
	ErrInvalidJSON = fmt.Errorf("frame is not a JSON object")
	ErrMissingType = fmt.Errorf("missing or non-string 'type' field")
)

// UnknownTypeError reports a syntactically valid frame whose type is not
// part of the protocol.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown command type '%s'", e.Type)
}

// FieldError reports a missing or wrongly typed required field.
type FieldError struct {
	Command string
	Field   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("command '%s': missing or invalid field '%s'", e.Command, e.Field)
}

// Parse validates a raw inbound frame and produces the matching command.
// Validation happens here, before the router ever sees the frame: unknown
// types and missing/mistyped fields are rejected up front.
func Parse(raw []byte) (Command, error) {
	if !gjson.ValidBytes(raw) || gjson.ParseBytes(raw).Type != gjson.JSON {
		return nil, ErrInvalidJSON
	}

	typ := gjson.GetBytes(raw, "type")
	if typ.Type != gjson.String {
		return nil, ErrMissingType
	}

	switch typ.String() {
	case TypeRegister:
		return parseRegister(raw)
	case TypeMessage:
		return parseMessage(raw)
	case TypeWhitelistAdd:
		userID, err := stringField(raw, TypeWhitelistAdd, "user_id")
		if err != nil {
			return nil, err
		}
		return &WhitelistAdd{UserID: userID}, nil
	case TypeWhitelistRemove:
		userID, err := stringField(raw, TypeWhitelistRemove, "user_id")
		if err != nil {
			return nil, err
		}
		return &WhitelistRemove{UserID: userID}, nil
	case TypeWhitelistToggleWildcard:
		enabled := gjson.GetBytes(raw, "enabled")
		if !enabled.IsBool() {
			return nil, &FieldError{Command: TypeWhitelistToggleWildcard, Field: "enabled"}
		}
		return &WhitelistToggleWildcard{Enabled: enabled.Bool()}, nil
	default:
		return nil, &UnknownTypeError{Type: typ.String()}
	}
}

func parseRegister(raw []byte) (*Register, error) {
	userID, err := stringField(raw, TypeRegister, "user_id")
	if err != nil {
		return nil, err
	}
	wl := gjson.GetBytes(raw, "whitelist")
	if !wl.IsArray() {
		return nil, &FieldError{Command: TypeRegister, Field: "whitelist"}
	}
	var entries []string
	for _, item := range wl.Array() {
		if item.Type != gjson.String {
			return nil, &FieldError{Command: TypeRegister, Field: "whitelist"}
		}
		entries = append(entries, item.String())
	}
	return &Register{UserID: userID, Whitelist: entries}, nil
}

func parseMessage(raw []byte) (*Message, error) {
	recipient, err := stringField(raw, TypeMessage, "recipient_id")
	if err != nil {
		return nil, err
	}
	payload := gjson.GetBytes(raw, "payload")
	if !payload.Exists() {
		return nil, &FieldError{Command: TypeMessage, Field: "payload"}
	}
	return &Message{
		RecipientID: recipient,
		Payload:     json.RawMessage(payload.Raw),
	}, nil
}

func stringField(raw []byte, command, field string) (string, error) {
	value := gjson.GetBytes(raw, field)
	if value.Type != gjson.String {
		return "", &FieldError{Command: command, Field: field}
	}
	return value.String(), nil
}
