// Package protocol defines the wire format spoken between two peers:
// control messages on the reserved channel and the trailing-byte framing
// that multiplexes application channels over one datagram link.
package protocol

import (
	"errors"
	"fmt"

	"github.com/mtthwm/lunadev-2025/pkg/protocol/codec"
)

// ControlMessage is the out-of-band message exchanged on ControlChannel.
type ControlMessage uint8

const (
	// Negotiate signals readiness to move the connection to steady state.
	Negotiate ControlMessage = iota
	// Ack is a liveness probe and handshake-completion confirmation.
	Ack
	// Disconnect requests explicit teardown of the peer relationship.
	Disconnect

	numControlMessages
)

func (m ControlMessage) String() string {
	switch m {
	case Negotiate:
		return "Negotiate"
	case Ack:
		return "Ack"
	case Disconnect:
		return "Disconnect"
	default:
		return fmt.Sprintf("ControlMessage(%d)", uint8(m))
	}
}

var controlCodec = codec.MustCBOR()

// ErrUnknownControl reports a decoded tag outside the known variants.
var ErrUnknownControl = errors.New("unknown control message tag")

// EncodeControl encodes a control message with the canonical CBOR codec.
func EncodeControl(m ControlMessage) ([]byte, error) {
	if m >= numControlMessages {
		return nil, ErrUnknownControl
	}
	return controlCodec.Marshal(uint8(m))
}

// DecodeControl decodes a control message, rejecting unknown tags.
func DecodeControl(data []byte) (ControlMessage, error) {
	var tag uint8
	if err := controlCodec.Unmarshal(data, &tag); err != nil {
		return 0, err
	}
	m := ControlMessage(tag)
	if m >= numControlMessages {
		return 0, ErrUnknownControl
	}
	return m, nil
}
