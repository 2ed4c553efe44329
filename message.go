package peerrpc

import "fmt"

// MessageType is the closed set of kinds a `Message` can be.
type MessageType uint8

const (
	MessageTypeUnspecified MessageType = iota
	MessageTypeRequest
	MessageTypeResponse
	MessageTypeException
	MessageTypeShutdown
)

// ParseMessageType validates a type code read from the network.
func ParseMessageType(code int64) (MessageType, error) {
	switch t := MessageType(code); {
	case code < 0 || code > int64(MessageTypeShutdown):
		return MessageTypeUnspecified, fmt.Errorf("%w: unknown message type %d", ErrProtocolViolation, code)
	case t == MessageTypeUnspecified:
		return t, fmt.Errorf("%w: unspecified message type", ErrProtocolViolation)
	default:
		return t, nil
	}
}

func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "request"
	case MessageTypeResponse:
		return "response"
	case MessageTypeException:
		return "exception"
	case MessageTypeShutdown:
		return "shutdown"
	default:
		return "unspecified"
	}
}

// Message is the unit exchanged between agents.
//
// `ID` is assigned by the sending agent for requests, responses and
// exceptions echo the id of the request they answer.
type Message struct {
	Payload []byte
	Aux     [][]byte
	Type    MessageType
	ID      int64
}

func NewRequest(payload []byte, aux ...[]byte) *Message {
	return &Message{Payload: payload, Aux: aux, Type: MessageTypeRequest}
}

func NewResponse(payload []byte, aux ...[]byte) *Message {
	return &Message{Payload: payload, Aux: aux, Type: MessageTypeResponse}
}

// NewException builds the message sent back when a handler fails.
func NewException(cause error) *Message {
	return &Message{Payload: []byte(cause.Error()), Type: MessageTypeException}
}

func NewShutdown() *Message {
	return &Message{Type: MessageTypeShutdown}
}

func (m *Message) IsRequest() bool {
	return m.Type == MessageTypeRequest
}

// IsResponse is true for both successful and failed responses.
func (m *Message) IsResponse() bool {
	return m.Type == MessageTypeResponse || m.Type == MessageTypeException
}

func (m *Message) IsShutdown() bool {
	return m.Type == MessageTypeShutdown
}
