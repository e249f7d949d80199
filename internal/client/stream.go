package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"sentinel-ids/internal/server"
	"sentinel-ids/internal/trust"
)

const streamWriteWait = 10 * time.Second

// Stream is an open /v1/stream connection. Send and Recv may be used from
// one goroutine each.
type Stream struct {
	conn *websocket.Conn
	kp   *trust.KeyPair
}

// StreamURL turns an http(s) base URL into the gate's websocket endpoint.
func StreamURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/stream"
}

// DialStream opens a stream to url signing as kp.
func DialStream(ctx context.Context, url string, kp *trust.KeyPair) (*Stream, error) {
	log.Info().Str("url", url).Msg("Establishing stream connection")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return &Stream{conn: conn, kp: kp}, nil
}

// Send signs payload and writes it as one frame.
func (s *Stream) Send(payload trust.Payload, model string) error {
	rec, err := trust.SignRecord(s.kp, payload)
	if err != nil {
		return err
	}
	return s.SendRecord(rec, model)
}

// SendRecord writes an already signed record.
func (s *Stream) SendRecord(rec trust.SignedRecord, model string) error {
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := s.conn.WriteJSON(server.SubmitRequest{SignedRecord: rec, Model: model}); err != nil {
		return fmt.Errorf("stream write: %w", err)
	}
	return nil
}

// Recv blocks for the next answer. Answers arrive in send order.
func (s *Stream) Recv() (server.StreamMessage, error) {
	var msg server.StreamMessage
	if err := s.conn.ReadJSON(&msg); err != nil {
		return msg, fmt.Errorf("stream read: %w", err)
	}
	return msg, nil
}

// Close sends a close frame and releases the connection.
func (s *Stream) Close() error {
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(streamWriteWait))
	return s.conn.Close()
}
