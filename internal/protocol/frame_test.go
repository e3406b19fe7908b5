// SPDX-License-Identifier: MIT

package protocol

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_Control(t *testing.T) {
	frame, err := DecodeFrame(websocket.TextMessage, []byte(`{"type":"ping"}`))
	require.NoError(t, err)
	require.Equal(t, FrameControl, frame.Kind)
	require.NotNil(t, frame.Control)
	require.Nil(t, frame.Audio)
	require.Equal(t, MsgPing, frame.Control.Type)
}

func TestDecodeFrame_Audio(t *testing.T) {
	wire, err := EncodeAudioChunk(AudioChunk{
		Metadata: AudioMetadata{SampleRate: 16000},
		Samples:  []float32{0.1, -0.1},
	})
	require.NoError(t, err)

	frame, err := DecodeFrame(websocket.BinaryMessage, wire)
	require.NoError(t, err)
	require.Equal(t, FrameAudio, frame.Kind)
	require.NotNil(t, frame.Audio)
	require.Nil(t, frame.Control)
}

func TestDecodeFrame_UnsupportedMessageType(t *testing.T) {
	_, err := DecodeFrame(websocket.CloseMessage, nil)
	require.ErrorIs(t, err, ErrUnknownType)
}
