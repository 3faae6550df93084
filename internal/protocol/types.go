// Package protocol defines the messages exchanged between the coordinator and
// a worker over the structured channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mattjoyce/deployd/internal/deployment"
)

// MessageType is the envelope tag. It selects the payload shape.
type MessageType string

const (
	// TypeLoad is sent coordinator→worker and carries the full deployment.
	TypeLoad MessageType = "loadFunctions"
	// TypeMetadata is sent worker→coordinator once applications are loaded.
	TypeMetadata MessageType = "getApplicationMetadata"
	// TypeError may travel in either direction.
	TypeError MessageType = "error"
)

// ErrUnknownType is returned by Decode for a tag this side does not handle.
// Callers ignore such messages.
var ErrUnknownType = errors.New("unknown message type")

// Application describes one loaded application as reported by the worker.
type Application struct {
	LanguageID string   `json:"language_id"`
	Path       string   `json:"path"`
	Scripts    []string `json:"scripts"`
}

// Metadata maps application name to its descriptor.
type Metadata map[string]Application

// Names returns the application names in sorted order.
func (m Metadata) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrorPayload is the body of an error message.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Message is a decoded envelope. Exactly one payload field is set, matching
// Type.
type Message struct {
	Type     MessageType
	Load     *deployment.Deployment
	Metadata Metadata
	Error    *ErrorPayload
}

// NewLoad builds a load message for d.
func NewLoad(d deployment.Deployment) Message {
	return Message{Type: TypeLoad, Load: &d}
}

// NewMetadata builds a metadata message.
func NewMetadata(m Metadata) Message {
	return Message{Type: TypeMetadata, Metadata: m}
}

// NewError builds an error message.
func NewError(message, code string) Message {
	return Message{Type: TypeError, Error: &ErrorPayload{Message: message, Code: code}}
}

type envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON writes the {"type","data"} envelope.
func (m Message) MarshalJSON() ([]byte, error) {
	var data any
	switch m.Type {
	case TypeLoad:
		if m.Load == nil {
			return nil, fmt.Errorf("%s message without deployment", m.Type)
		}
		data = m.Load
	case TypeMetadata:
		data = m.Metadata
	case TypeError:
		if m.Error == nil {
			return nil, fmt.Errorf("%s message without payload", m.Type)
		}
		data = m.Error
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: m.Type, Data: raw})
}

// MalformedError reports a message with a known tag whose payload has the
// wrong shape, or a line that is not an envelope at all.
type MalformedError struct {
	Type   MessageType
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Type == "" {
		return "malformed message: " + e.Reason
	}
	return fmt.Sprintf("malformed %s message: %s", e.Type, e.Reason)
}

func malformed(t MessageType, format string, args ...any) error {
	return &MalformedError{Type: t, Reason: fmt.Sprintf(format, args...)}
}
