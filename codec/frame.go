package codec

import (
	"errors"
	"fmt"
	"strings"
)

// Delimiter separates the fields of a key-channel frame.
const Delimiter = "|"

var (
	// ErrMalformedChannelMessage is returned when a key-channel message does not
	// hold the three frame fields. The text is a contract shared with other
	// nodes' diagnostics and must not change.
	ErrMalformedChannelMessage = errors.New("Can not parse the Redis event bus keys channel message") //nolint:staticcheck // stable text

	// ErrInvalidFrame is returned when a frame field would make the frame ambiguous.
	ErrInvalidFrame = errors.New("codec: invalid channel frame")
)

// Frame is one message on a bus instance's keys channel:
//
//	<eventBusId>|<routingKey>|<eventJson>
type Frame struct {
	// EventBusID is the id of the publishing bus instance.
	EventBusID string
	// RoutingKey selects the listeners on the receiving node.
	RoutingKey string
	// Payload is the serialized event. It may contain the delimiter.
	Payload []byte
}

// EncodeFrame renders f. The id and routing key must not contain Delimiter.
func EncodeFrame(f Frame) (string, error) {
	if f.EventBusID == "" || strings.Contains(f.EventBusID, Delimiter) {
		return "", fmt.Errorf("%w: event bus id %q", ErrInvalidFrame, f.EventBusID)
	}
	if f.RoutingKey == "" || strings.Contains(f.RoutingKey, Delimiter) {
		return "", fmt.Errorf("%w: routing key %q", ErrInvalidFrame, f.RoutingKey)
	}

	var sb strings.Builder
	sb.Grow(len(f.EventBusID) + len(f.RoutingKey) + len(f.Payload) + 2)
	sb.WriteString(f.EventBusID)
	sb.WriteString(Delimiter)
	sb.WriteString(f.RoutingKey)
	sb.WriteString(Delimiter)
	sb.Write(f.Payload)
	return sb.String(), nil
}

// DecodeFrame parses a message produced by EncodeFrame. Only the first two
// delimiters are significant.
func DecodeFrame(msg string) (Frame, error) {
	parts := strings.SplitN(msg, Delimiter, 3)
	if len(parts) < 3 {
		return Frame{}, ErrMalformedChannelMessage
	}
	return Frame{
		EventBusID: parts[0],
		RoutingKey: parts[1],
		Payload:    []byte(parts[2]),
	}, nil
}
