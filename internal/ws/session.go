// Package ws is the session gateway: terminal sessions connect over
// WebSocket, send validated wire envelopes, and receive every other session's
// envelopes for their document. The gateway is transport only; replication
// semantics live entirely in the engine it hands envelopes to.
package ws

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/shared-state-engine/internal/types"
	"github.com/example/shared-state-engine/internal/wire"
)

var errSendBufferFull = errors.New("send buffer full")

// Message is the frame sessions exchange: a wire envelope plus the
// identifiers used for persistence, dedupe, and echo suppression.
type Message struct {
	Document  types.DocumentID  `json:"document_id"`
	Operation types.OperationID `json:"operation_id"`
	Site      types.SiteID      `json:"site_id"`
	Envelope  wire.Envelope     `json:"envelope"`
}

// Hooks receive session lifecycle and message callbacks.
type Hooks struct {
	OnMessage func(s *Session, msg Message)
	OnClose   func(s *Session)
}

type sessionOptions struct {
	pongWait     time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration
	sendBuffer   int
	maxFrameSize int64
}

// Session is one connected replica endpoint.
type Session struct {
	conn     *websocket.Conn
	document types.DocumentID
	site     types.SiteID
	logger   zerolog.Logger
	send     chan []byte
	done     chan struct{}
	opts     sessionOptions
	onClose  func()
}

func newSession(conn *websocket.Conn, docID types.DocumentID, site types.SiteID, logger zerolog.Logger, opts sessionOptions, onClose func()) *Session {
	return &Session{
		conn:     conn,
		document: docID,
		site:     site,
		logger:   logger,
		send:     make(chan []byte, opts.sendBuffer),
		done:     make(chan struct{}),
		opts:     opts,
		onClose:  onClose,
	}
}

// DocumentID returns the document the session is attached to.
func (s *Session) DocumentID() types.DocumentID { return s.document }

// SiteID returns the replica identity the session authenticated as.
func (s *Session) SiteID() types.SiteID { return s.site }

// SendMessage serializes and enqueues a frame for delivery. It never blocks;
// a session that cannot drain its buffer loses the frame and will resync via
// the bootstrap endpoint.
func (s *Session) SendMessage(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		sendQueueDepth.WithLabelValues(string(s.document)).Set(float64(len(s.send)))
		return nil
	case <-s.done:
		return errors.New("session closed")
	default:
		framesDropped.WithLabelValues(string(s.document)).Inc()
		return errSendBufferFull
	}
}

// Run drives the read and write pumps until the peer disconnects.
func (s *Session) Run(hooks Hooks) {
	go s.writePump()
	s.readPump(hooks)
}

func (s *Session) readPump(hooks Hooks) {
	defer s.close(hooks)

	s.conn.SetReadLimit(s.opts.maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.opts.pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("session closed unexpectedly")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("discarding malformed frame")
			framesRejected.WithLabelValues(string(s.document)).Inc()
			continue
		}
		if err := msg.Envelope.Validate(); err != nil {
			s.logger.Warn().Err(err).Str("operation", string(msg.Operation)).Msg("discarding invalid envelope")
			framesRejected.WithLabelValues(string(s.document)).Inc()
			continue
		}
		if msg.Document == "" {
			msg.Document = s.document
		}
		if msg.Site == "" {
			msg.Site = s.site
		}

		if hooks.OnMessage != nil {
			hooks.OnMessage(s, msg)
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug().Err(err).Msg("write failed; dropping session")
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.opts.writeTimeout))
			_ = s.conn.Close()
			return
		}
	}
}

func (s *Session) close(hooks Hooks) {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if s.onClose != nil {
		s.onClose()
	}
	if hooks.OnClose != nil {
		hooks.OnClose(s)
	}
	_ = s.conn.Close()
}
