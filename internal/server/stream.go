package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"sentinel-ids/internal/secure"
)

const (
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamWriteWait  = 10 * time.Second
	streamReadLimit  = 1 << 20
)

// StreamMessage is one frame sent back on /v1/stream: a result, or an
// error for a frame that could not be decoded.
type StreamMessage struct {
	Result *secure.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// handleStream accepts SubmitRequest frames and answers each with a
// StreamMessage, in order, until the client closes the connection.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade stream connection")
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.StreamConnections().Add(1)
		defer s.metrics.StreamConnections().Add(-1)
	}

	conn.SetReadLimit(streamReadLimit)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan StreamMessage, 16)
	done := make(chan struct{})
	go s.writeFrames(conn, frames, done)
	defer func() {
		close(frames)
		<-done
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("stream closed unexpectedly")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(streamPongWait))

		var req SubmitRequest
		if err := json.Unmarshal(data, &req); err != nil {
			frames <- StreamMessage{Error: "invalid frame: " + err.Error()}
			continue
		}

		reqCtx, reqCancel := context.WithTimeout(ctx, s.timeout)
		res, err := s.svc.Submit(reqCtx, req.SignedRecord, req.Model)
		reqCancel()
		if err != nil {
			s.countError()
		}
		frames <- StreamMessage{Result: &res}
	}
}

// writeFrames owns all writes to conn: results in submission order and
// keepalive pings.
func (s *Server) writeFrames(conn *websocket.Conn, frames <-chan StreamMessage, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-frames:
			if !ok {
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(streamWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Warn().Err(err).Msg("stream write failed")
				drain(frames)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				drain(frames)
				return
			}
		}
	}
}

func drain(frames <-chan StreamMessage) {
	for range frames {
	}
}
