package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perpkeeper/logger"
	"perpkeeper/models"
	"perpkeeper/solana"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsPingInterval     = 20 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsReadTimeout      = 90 * time.Second
	wsUpdateBuffer     = 256
)

// wsMessage is the union of subscription confirmations and notifications.
type wsMessage struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	Method string          `json:"method"`
	Params struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// wsSession owns one websocket connection and its keepalive.
type wsSession struct {
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *wsSession) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Err returns the error that ended the session, once the update channel has
// closed.
func (s *wsSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the connection down. The update channel closes once the read
// loop notices.
func (s *wsSession) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *wsSession) keepalive() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				s.setErr(fmt.Errorf("ping: %w", err))
				s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (c *Client) dialWS(ctx context.Context) (*wsSession, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.config.WSURL, nil)
	if err != nil {
		return nil, &TransportError{Op: "ws dial", Err: err}
	}
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	return &wsSession{conn: conn, done: make(chan struct{})}, nil
}

// AccountSubscription streams account updates over one websocket session.
// Updates closes when the session dies; the caller decides whether to
// resubscribe.
type AccountSubscription struct {
	*wsSession
	Updates <-chan models.AccountUpdate
}

// SubscribeProgram opens a websocket session streaming every account owned
// by the program, existing and future. Updates the consumer cannot keep up
// with are dropped; gap reconciliation upstream covers what a drop loses.
func (c *Client) SubscribeProgram(ctx context.Context, program solana.PublicKey) (*AccountSubscription, error) {
	session, err := c.dialWS(ctx)
	if err != nil {
		return nil, err
	}

	req := rpcRequest{
		Jsonrpc: "2.0",
		ID:      1,
		Method:  "programSubscribe",
		Params:  []any{program.String(), map[string]any{"encoding": "base64", "commitment": c.config.Commitment}},
	}
	session.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := session.conn.WriteJSON(req); err != nil {
		session.conn.Close()
		return nil, &TransportError{Op: "programSubscribe", Err: err}
	}

	updates := make(chan models.AccountUpdate, wsUpdateBuffer)
	go session.keepalive()
	go c.readProgramStream(session, updates)

	return &AccountSubscription{wsSession: session, Updates: updates}, nil
}

type programNotification struct {
	Context rpcContext `json:"context"`
	Value   struct {
		Pubkey  string     `json:"pubkey"`
		Account rpcAccount `json:"account"`
	} `json:"value"`
}

func (c *Client) readProgramStream(session *wsSession, updates chan<- models.AccountUpdate) {
	defer close(updates)
	defer session.Close()

	log := c.log.WithComponent("gateway")

	for {
		_, payload, err := session.conn.ReadMessage()
		if err != nil {
			session.setErr(&TransportError{Op: "ws read", Err: err})
			return
		}
		session.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.WithError(err).Warn("malformed websocket message")
			continue
		}

		switch {
		case msg.ID > 0:
			if msg.Error != nil {
				session.setErr(&TransportError{Op: "programSubscribe", Err: msg.Error})
				return
			}

		case msg.Method == "programNotification":
			var note programNotification
			if err := json.Unmarshal(msg.Params.Result, &note); err != nil || len(note.Value.Account.Data) < 1 {
				log.WithError(err).Warn("malformed program notification")
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(note.Value.Account.Data[0])
			if err != nil {
				log.WithError(err).Warn("undecodable account data in notification")
				continue
			}
			update := models.AccountUpdate{
				Key:        note.Value.Pubkey,
				Data:       raw,
				Slot:       note.Context.Slot,
				ReceivedAt: time.Now().UTC(),
			}
			select {
			case updates <- update:
			default:
				log.WithFields(logger.Fields{"account": update.Key, "slot": update.Slot}).Warn("account update dropped, subscriber too slow")
			}
		}
	}
}

// LogSubscription streams program log lines over one websocket session.
type LogSubscription struct {
	*wsSession
	Lines <-chan models.LogLine
}

// SubscribeLogs opens a websocket session subscribed to log lines of
// transactions mentioning the given program.
func (c *Client) SubscribeLogs(ctx context.Context, program solana.PublicKey) (*LogSubscription, error) {
	session, err := c.dialWS(ctx)
	if err != nil {
		return nil, err
	}

	req := rpcRequest{
		Jsonrpc: "2.0",
		ID:      1,
		Method:  "logsSubscribe",
		Params:  []any{map[string]any{"mentions": []string{program.String()}}, map[string]any{"commitment": c.config.Commitment}},
	}
	session.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := session.conn.WriteJSON(req); err != nil {
		session.conn.Close()
		return nil, &TransportError{Op: "logsSubscribe", Err: err}
	}

	lines := make(chan models.LogLine, wsUpdateBuffer)
	go session.keepalive()
	go c.readLogStream(session, lines)

	return &LogSubscription{wsSession: session, Lines: lines}, nil
}

type logsNotification struct {
	Context rpcContext `json:"context"`
	Value   struct {
		Signature string          `json:"signature"`
		Err       json.RawMessage `json:"err"`
		Logs      []string        `json:"logs"`
	} `json:"value"`
}

func (c *Client) readLogStream(session *wsSession, lines chan<- models.LogLine) {
	defer close(lines)
	defer session.Close()

	log := c.log.WithComponent("gateway")

	for {
		_, payload, err := session.conn.ReadMessage()
		if err != nil {
			session.setErr(&TransportError{Op: "ws read", Err: err})
			return
		}
		session.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.WithError(err).Warn("malformed websocket message")
			continue
		}
		if msg.ID > 0 && msg.Error != nil {
			session.setErr(&TransportError{Op: "logsSubscribe", Err: msg.Error})
			return
		}
		if msg.Method != "logsNotification" {
			continue
		}

		var note logsNotification
		if err := json.Unmarshal(msg.Params.Result, &note); err != nil {
			log.WithError(err).Warn("malformed logs notification")
			continue
		}
		// Failed transactions leave no state change worth deriving from.
		if len(note.Value.Err) > 0 && string(note.Value.Err) != "null" {
			continue
		}
		received := time.Now().UTC()
		for _, line := range note.Value.Logs {
			entry := models.LogLine{
				Signature:  note.Value.Signature,
				Slot:       note.Context.Slot,
				Line:       line,
				ReceivedAt: received,
			}
			select {
			case lines <- entry:
			default:
				log.WithFields(logger.Fields{"signature": entry.Signature}).Warn("log line dropped, subscriber too slow")
			}
		}
	}
}
