package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type FrameKind uint8

const (
	FrameText FrameKind = iota + 1
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

var (
	ErrTransportClosed = errors.New("transport is closed")
	ErrUnknownFrame    = errors.New("unknown frame kind")
)

type (
	Frame struct {
		Kind FrameKind
		Data []byte
	}

	// Transport is a duplex frame stream of a single connection.
	// Send may be called concurrently with Receive but not with another Send.
	// Close may be called at any time from any goroutine.
	Transport interface {
		Receive(ctx context.Context) (Frame, error)
		Send(ctx context.Context, fr Frame) error
		Close() error
	}
)

type transportConfig struct {
	maxMessageSize int64
	pongWait       time.Duration
	writeWait      time.Duration
}

// gorillaTransport adapts *websocket.Conn. Peer close errors surface as a Close frame.
type gorillaTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
	logger    *zerolog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newGorillaTransport(conn *websocket.Conn, cfg transportConfig, logger *zerolog.Logger) (*gorillaTransport, error) {
	conn.SetReadLimit(cfg.maxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(cfg.pongWait)
	})
	if err := readDeadLineFunc(cfg.pongWait); err != nil {
		return nil, err
	}
	return &gorillaTransport{
		conn:      conn,
		writeWait: cfg.writeWait,
		logger:    logger,
	}, nil
}

func (t *gorillaTransport) Receive(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	mt, msg, err := t.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return Frame{Kind: FrameClose, Data: []byte(ce.Text)}, nil
		}
		return Frame{}, err
	}
	switch mt {
	case websocket.TextMessage:
		return Frame{Kind: FrameText, Data: msg}, nil
	case websocket.BinaryMessage:
		return Frame{Kind: FrameBinary, Data: msg}, nil
	default:
		return Frame{}, ErrUnknownFrame
	}
}

func (t *gorillaTransport) Send(ctx context.Context, fr Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.closed.Load() {
		return ErrTransportClosed
	}
	deadline := time.Now().Add(t.writeWait)
	switch fr.Kind {
	case FrameText, FrameBinary:
		mt := websocket.TextMessage
		if fr.Kind == FrameBinary {
			mt = websocket.BinaryMessage
		}
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return t.conn.WriteMessage(mt, fr.Data)
	case FramePing:
		return t.conn.WriteControl(websocket.PingMessage, fr.Data, deadline)
	case FramePong:
		return t.conn.WriteControl(websocket.PongMessage, fr.Data, deadline)
	case FrameClose:
		return t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(fr.Data)), deadline)
	default:
		return ErrUnknownFrame
	}
}

// Close sends a close frame and closes the connection. Subsequent calls return the first result.
func (t *gorillaTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		wsErr := t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.writeWait))
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			t.logger.Debug().Err(wsErr).Msg("failed to send close frame")
		}
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
