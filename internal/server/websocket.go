// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	xglog "github.com/voxgate/transcribe-server/internal/log"
	"github.com/voxgate/transcribe-server/internal/protocol"
	"github.com/voxgate/transcribe-server/internal/tokenstore"
)

const (
	authDeadline   = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	sendBufferSize = 32
)

// sessionState is the post-auth WebSocket session state machine:
// IDLE -> RECORDING on "start", RECORDING -> FINALIZING on "stop",
// FINALIZING -> IDLE once the final result (or an error) has been sent.
type sessionState int

const (
	stateIdle sessionState = iota
	stateRecording
	stateFinalizing
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

// checkOrigin rejects cross-site WebSocket hijacking attempts: a missing
// Origin header is allowed (non-browser clients), and a present one must
// match the request host (with or without port), localhost, 127.0.0.1, or a
// mesh-VPN host beginning with "100.".
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := u.Hostname()
	switch {
	case host == "localhost", host == "127.0.0.1":
		return true
	case strings.HasPrefix(host, "100."):
		return true
	}

	reqHost := r.Host
	if idx := strings.LastIndex(reqHost, ":"); idx >= 0 {
		reqHost = reqHost[:idx]
	}
	return host == reqHost
}

// wsConn is the single active WebSocket session slot. The service caps at
// exactly one concurrent session, so this replaces a broadcast-hub design:
// at most one of these is alive at a time, held in Server.activeConn.
type wsConn struct {
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	server *Server
	token  tokenstore.StoredToken

	mu          sync.Mutex
	state       sessionState
	cfg         protocol.StartConfig
	accumulator *protocol.Accumulator
	closed      bool
}

// handleWebSocket upgrades the connection and runs the auth handshake and
// read/write pumps. It returns once the connection is closed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := xglog.WithComponentFromContext(r.Context(), "ws")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	wc := &wsConn{
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		logger:      logger,
		server:      s,
		accumulator: protocol.NewAccumulator(),
	}

	go wc.writePump()

	if !wc.authenticate() {
		wc.closeConn()
		return
	}

	wc.readPump()
}

// authenticate enforces a 10-second deadline on the handshake: the first
// message must be an auth control frame, which is parsed, validated against
// the token store, and used to acquire the single session slot before
// auth_ok is sent.
func (wc *wsConn) authenticate() bool {
	wc.conn.SetReadDeadline(time.Now().Add(authDeadline))

	msgType, raw, err := wc.conn.ReadMessage()
	if err != nil {
		wc.logger.Debug().Err(err).Msg("websocket closed before auth message")
		return false
	}
	if msgType != websocket.TextMessage {
		wc.sendControl(protocol.ControlMessage{Type: protocol.MsgAuthFail})
		return false
	}

	msg, err := protocol.DecodeControl(raw)
	if err != nil || msg.Type != protocol.MsgAuth {
		wc.sendControl(protocol.ControlMessage{Type: protocol.MsgAuthFail})
		return false
	}

	var authData struct {
		Token      string `json:"token"`
		ClientName string `json:"client_name"`
	}
	if err := json.Unmarshal(msg.Data, &authData); err != nil || authData.Token == "" {
		wc.sendControl(protocol.ControlMessage{Type: protocol.MsgAuthFail})
		return false
	}

	stored, err := wc.server.deps.Sessions.Validate(authData.Token)
	if err != nil || stored == nil {
		wc.sendControl(protocol.ControlMessage{Type: protocol.MsgAuthFail})
		return false
	}

	clientName := authData.ClientName
	if clientName == "" {
		clientName = stored.ClientName
	}

	ctx, cancel := context.WithTimeout(context.Background(), authDeadline)
	defer cancel()
	ok, activeClient := wc.server.deps.Sessions.Acquire(ctx, *stored, clientName)
	if !ok {
		wc.sendControlData(protocol.MsgSessionBusy, map[string]any{
			"message":       "a session is already active",
			"active_client": activeClient,
		})
		return false
	}

	wc.token = *stored
	wc.server.connMu.Lock()
	wc.server.activeConn = wc
	wc.server.connMu.Unlock()

	wc.sendControlData(protocol.MsgAuthOK, map[string]any{
		"user": map[string]any{
			"name":     stored.ClientName,
			"is_admin": stored.Admin,
		},
	})
	wc.logger.Info().Str("event", "ws.auth_ok").Str("client", clientName).Msg("websocket session authenticated")
	return true
}

// readPump processes control and audio frames against the session state
// machine until the connection closes, then releases the session.
// Text frames carry JSON control messages; binary frames carry audio
// chunks, forming the dual-channel protocol on a single socket.
func (wc *wsConn) readPump() {
	defer wc.onDisconnect()

	wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, payload, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				wc.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		wc.conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := protocol.DecodeFrame(msgType, payload)
		if err != nil {
			wc.sendControl(protocol.NewError("malformed_frame", "could not parse incoming frame"))
			continue
		}

		switch frame.Kind {
		case protocol.FrameControl:
			wc.handleControl(frame.Control)
		case protocol.FrameAudio:
			wc.handleAudio(frame.Audio)
		}
	}
}

func (wc *wsConn) handleControl(msg *protocol.ControlMessage) {
	switch msg.Type {
	case protocol.MsgPing:
		wc.sendControl(protocol.ControlMessage{Type: protocol.MsgPong})

	case protocol.MsgStart:
		wc.mu.Lock()
		if wc.state != stateIdle {
			wc.mu.Unlock()
			wc.sendControl(protocol.NewError("invalid_state", "start received while not idle"))
			return
		}
		cfg, err := protocol.DecodeStartConfig(msg.Data)
		if err != nil {
			wc.mu.Unlock()
			wc.sendControl(protocol.NewError("malformed_start", "could not parse start config"))
			return
		}
		wc.cfg = cfg
		wc.accumulator.Reset()
		wc.state = stateRecording
		wc.mu.Unlock()
		wc.sendControl(protocol.ControlMessage{Type: protocol.MsgSessionStart})

	case protocol.MsgStop:
		wc.mu.Lock()
		if wc.state != stateRecording {
			wc.mu.Unlock()
			wc.sendControl(protocol.NewError("invalid_state", "stop received while not recording"))
			return
		}
		wc.state = stateFinalizing
		wc.mu.Unlock()
		wc.finalize()

	case protocol.MsgConfig:
		wc.mu.Lock()
		if wc.state == stateRecording {
			if cfg, err := protocol.DecodeStartConfig(msg.Data); err == nil {
				wc.cfg = cfg
			}
		}
		wc.mu.Unlock()

	default:
		wc.sendControl(protocol.NewError("unexpected_message", "unexpected control message type"))
	}
}

func (wc *wsConn) handleAudio(chunk *protocol.AudioChunk) {
	wc.mu.Lock()
	if wc.state != stateRecording {
		wc.mu.Unlock()
		return
	}
	rate := chunk.Metadata.SampleRate
	samples := chunk.Samples
	if rate > 0 && rate != protocol.TargetSampleRate {
		samples = protocol.Resample(samples, rate, protocol.TargetSampleRate)
	}
	wc.accumulator.Append(samples)
	wantRealtime := wc.cfg.EnableRealtime
	wc.mu.Unlock()

	if !wantRealtime {
		return
	}

	preview, ok, err := wc.server.deps.Engine.Realtime(context.Background(), samples)
	if err != nil {
		wc.logger.Warn().Err(err).Msg("realtime preview failed")
		return
	}
	if !ok {
		return
	}
	wc.sendControlData(protocol.MsgRealtime, map[string]string{"text": preview})
}

// finalize runs the queued final transcription over the accumulated
// session audio and returns to IDLE. Exactly one session-scoped message is
// emitted: if no audio was ever received, session_stopped substitutes for
// final (no transcription is attempted); otherwise exactly one of
// final/error is sent. A disconnect mid-finalization discards the result
// instead of writing to a closed socket (see onDisconnect).
func (wc *wsConn) finalize() {
	wc.mu.Lock()
	samples := append([]float32(nil), wc.accumulator.Samples()...)
	language := wc.cfg.Language
	wc.mu.Unlock()

	if len(samples) == 0 {
		wc.mu.Lock()
		wc.accumulator.Reset()
		wc.state = stateIdle
		wc.mu.Unlock()

		wc.sendControlData(protocol.MsgSessionStop, map[string]string{"message": "No audio received"})
		return
	}

	result, err := wc.server.deps.Engine.Transcribe(context.Background(), samples, language)

	wc.mu.Lock()
	closed := wc.closed
	wc.mu.Unlock()
	if closed {
		return
	}

	wc.mu.Lock()
	wc.accumulator.Reset()
	wc.state = stateIdle
	wc.mu.Unlock()

	if err != nil {
		wc.logger.Error().Err(err).Msg("finalization failed")
		wc.sendControl(protocol.NewError("transcription_error", "transcription failed"))
		return
	}
	wc.sendControlData(protocol.MsgFinal, result)
}

// onDisconnect releases the single-session lock and clears connection
// state. In-flight work is not cancelled; once the connection is marked
// closed, any result it later produces is dropped instead of being written
// to the socket.
func (wc *wsConn) onDisconnect() {
	wc.mu.Lock()
	wc.closed = true
	wc.mu.Unlock()

	wc.server.connMu.Lock()
	if wc.server.activeConn == wc {
		wc.server.activeConn = nil
	}
	wc.server.connMu.Unlock()

	wc.server.deps.Sessions.ForceRelease()

	close(wc.send)
	wc.conn.Close()

	wc.logger.Info().Str("event", "ws.disconnect").Msg("websocket session ended")
}

// writePump serializes all outbound writes onto one goroutine (gorilla's
// Conn forbids concurrent writers) and sends a keepalive ping on
// pingInterval, grounded on the streamspace hub's writePump idiom.
func (wc *wsConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-wc.send:
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := wc.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (wc *wsConn) sendControl(msg protocol.ControlMessage) {
	encoded, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	wc.enqueue(encoded)
}

func (wc *wsConn) sendControlData(msgType protocol.MsgType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	wc.sendControl(protocol.ControlMessage{Type: msgType, Data: raw})
}

func (wc *wsConn) enqueue(payload []byte) {
	wc.mu.Lock()
	closed := wc.closed
	wc.mu.Unlock()
	if closed {
		return
	}
	select {
	case wc.send <- payload:
	default:
		wc.logger.Warn().Msg("dropping outbound message: send buffer full")
	}
}

// closeConn is used for the pre-auth failure path, where writePump has
// already started but no session was ever registered.
func (wc *wsConn) closeConn() {
	wc.mu.Lock()
	wc.closed = true
	wc.mu.Unlock()
	close(wc.send)
	wc.conn.Close()
}

// closeLocked is called by Server.Shutdown while holding connMu.
func (wc *wsConn) closeLocked() {
	wc.mu.Lock()
	wc.closed = true
	wc.mu.Unlock()
	wc.conn.Close()
}
