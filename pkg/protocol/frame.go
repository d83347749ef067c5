package protocol

import "errors"

// ChannelID identifies one application-level logical stream multiplexed over
// a peer connection. Zero is reserved: it flags a control message rather than
// application data, so every registered channel id must be non-zero.
type ChannelID uint8

// ControlChannel is the reserved channel carrying ControlMessage traffic.
const ControlChannel ChannelID = 0

// Datagram framing: [ payload bytes ][ 1 trailing byte = channel id ].

// ErrEmptyFrame reports a datagram too short to carry the channel byte.
var ErrEmptyFrame = errors.New("empty datagram frame")

// AppendChannel frames payload for the given channel. The input slice is not
// retained.
func AppendChannel(payload []byte, ch ChannelID) []byte {
	out := make([]byte, len(payload)+1)
	copy(out, payload)
	out[len(payload)] = byte(ch)
	return out
}

// SplitFrame separates a received datagram into payload and channel id.
// The returned payload aliases the input.
func SplitFrame(datagram []byte) ([]byte, ChannelID, error) {
	if len(datagram) == 0 {
		return nil, ControlChannel, ErrEmptyFrame
	}
	n := len(datagram) - 1
	return datagram[:n], ChannelID(datagram[n]), nil
}
