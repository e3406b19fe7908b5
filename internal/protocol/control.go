// SPDX-License-Identifier: MIT

// Package protocol implements the dual-channel wire format carried over a
// single WebSocket connection: UTF-8 JSON control frames and
// length-prefixed binary audio frames.
package protocol

import (
	"encoding/json"
	"errors"
)

// MsgType enumerates the recognized control message types.
type MsgType string

// Client-to-server message types.
const (
	MsgAuth   MsgType = "auth"
	MsgStart  MsgType = "start"
	MsgStop   MsgType = "stop"
	MsgConfig MsgType = "config"
	MsgPing   MsgType = "ping"
)

// Server-to-client message types.
const (
	MsgAuthOK        MsgType = "auth_ok"
	MsgAuthFail      MsgType = "auth_fail"
	MsgSessionBusy   MsgType = "session_busy"
	MsgSessionStart  MsgType = "session_started"
	MsgSessionStop   MsgType = "session_stopped"
	MsgRealtime      MsgType = "realtime"
	MsgFinal         MsgType = "final"
	MsgPong          MsgType = "pong"
	MsgError         MsgType = "error"
	MsgStatus        MsgType = "status"
)

// ErrUnknownType is returned by Decode when a control message's type field
// is missing or not one of the recognized MsgType values.
var ErrUnknownType = errors.New("protocol: unknown control message type")

// ErrMalformed is returned by Decode when the JSON payload cannot be
// parsed as a control message.
var ErrMalformed = errors.New("protocol: malformed control message")

var knownTypes = map[MsgType]bool{
	MsgAuth: true, MsgStart: true, MsgStop: true, MsgConfig: true, MsgPing: true,
	MsgAuthOK: true, MsgAuthFail: true, MsgSessionBusy: true, MsgSessionStart: true,
	MsgSessionStop: true, MsgRealtime: true, MsgFinal: true, MsgPong: true,
	MsgError: true, MsgStatus: true,
}

// ControlMessage is the JSON control wire format: {type, data, timestamp}.
type ControlMessage struct {
	Type      MsgType         `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// DecodeControl parses raw as a ControlMessage. Unknown fields are ignored
// by encoding/json by default; a missing data field is replaced with an
// empty JSON object ("{}").
func DecodeControl(raw []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, ErrMalformed
	}
	if msg.Type == "" || !knownTypes[msg.Type] {
		return nil, ErrUnknownType
	}
	if msg.Data == nil {
		msg.Data = json.RawMessage("{}")
	}
	return &msg, nil
}

// Encode serializes a ControlMessage back to its wire form.
func Encode(msg ControlMessage) ([]byte, error) {
	if msg.Data == nil {
		msg.Data = json.RawMessage("{}")
	}
	return json.Marshal(msg)
}

// NewError builds a MsgError control message carrying the given error code
// and human-readable detail.
func NewError(code, detail string) ControlMessage {
	data, _ := json.Marshal(struct {
		Code   string `json:"code"`
		Detail string `json:"detail,omitempty"`
	}{Code: code, Detail: detail})
	return ControlMessage{Type: MsgError, Data: data}
}

// StartConfig is the session configuration carried in a "start" message's
// data field: language, realtime preview toggle, and word-timestamp
// toggle.
type StartConfig struct {
	Language       string `json:"language,omitempty"`
	EnableRealtime bool   `json:"enable_realtime"`
	WordTimestamps bool   `json:"word_timestamps"`
}

// DecodeStartConfig parses a "start" message's data field into a
// StartConfig. A missing or empty data object yields the zero value
// (autodetect language, realtime and word timestamps both off).
func DecodeStartConfig(data json.RawMessage) (StartConfig, error) {
	var cfg StartConfig
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return StartConfig{}, ErrMalformed
	}
	return cfg, nil
}
