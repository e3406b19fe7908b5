// SPDX-License-Identifier: MIT

package protocol

import "github.com/gorilla/websocket"

// FrameKind distinguishes the two wire channels multiplexed over one
// WebSocket connection.
type FrameKind int

const (
	// FrameControl identifies a JSON control message (websocket.TextMessage).
	FrameControl FrameKind = iota
	// FrameAudio identifies a binary audio chunk (websocket.BinaryMessage).
	FrameAudio
)

// Frame is the tagged union produced by decoding one WebSocket message:
// exactly one of Control or Audio is set, matching FrameKind.
type Frame struct {
	Kind    FrameKind
	Control *ControlMessage
	Audio   *AudioChunk
}

// DecodeFrame dispatches on the WebSocket message type to decode either a
// control message (text) or an audio chunk (binary).
func DecodeFrame(messageType int, payload []byte) (*Frame, error) {
	switch messageType {
	case websocket.TextMessage:
		ctrl, err := DecodeControl(payload)
		if err != nil {
			return nil, err
		}
		return &Frame{Kind: FrameControl, Control: ctrl}, nil
	case websocket.BinaryMessage:
		chunk, err := DecodeAudioChunk(payload)
		if err != nil {
			return nil, err
		}
		return &Frame{Kind: FrameAudio, Audio: chunk}, nil
	default:
		return nil, ErrUnknownType
	}
}
