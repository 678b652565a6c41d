package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Samuel-0228/sabimarket/internal/backend"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	writeWait         = 10 * time.Second
	heartbeatInterval = 25 * time.Second
	eventBufSize      = 64
)

// Realtime opens websocket channels that stream message inserts for
// one conversation. The hosted API multiplexes phoenix-style topics
// over a single socket; we open one socket per channel since the
// subscription manager holds at most one channel anyway.
type Realtime struct {
	baseURL string
	apiKey  string
	token   string
	logger  *zap.Logger
}

// NewRealtime builds a realtime dialer against the project URL.
func NewRealtime(baseURL, apiKey, token string, logger *zap.Logger) *Realtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Realtime{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		token:   token,
		logger:  logger,
	}
}

// envelope is the phoenix wire frame used by the realtime endpoint.
type envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

type insertPayload struct {
	Type   string     `json:"type"`
	Record messageRow `json:"record"`
}

// MessageInserts implements backend.Realtime. The returned channel
// stays open until Close is called or the socket drops; a dropped
// socket closes the events channel, which the subscription manager
// surfaces as the pump ending.
func (r *Realtime) MessageInserts(ctx context.Context, conversationID string) (backend.Channel, error) {
	wsURL := toWebsocketURL(r.baseURL) + "/realtime/v1/websocket?apikey=" + r.apiKey + "&vsn=1.0.0"

	dialCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	topic := "realtime:public:messages:conversation_id=eq." + conversationID
	ch := &wsChannel{
		conn:           conn,
		topic:          topic,
		conversationID: conversationID,
		token:          r.token,
		logger:         r.logger.With(zap.String("conversation_id", conversationID)),
		events:         make(chan backend.Message, eventBufSize),
		done:           make(chan struct{}),
	}
	if err := ch.join(ctx); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "join failed")
		return nil, err
	}

	go ch.readPump()
	go ch.heartbeat()
	return ch, nil
}

type wsChannel struct {
	conn           *websocket.Conn
	topic          string
	conversationID string
	token          string
	logger         *zap.Logger

	events chan backend.Message
	done   chan struct{}

	closeOnce sync.Once
	refMu     sync.Mutex
	ref       int
}

func (c *wsChannel) nextRef() string {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	c.ref++
	return strconv.Itoa(c.ref)
}

// joinReply is the payload of the server's phx_reply to a join.
type joinReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

func (c *wsChannel) join(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{"user_token": c.token})
	if err != nil {
		return err
	}
	joinCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	err = wsjson.Write(joinCtx, c.conn, envelope{
		Topic:   c.topic,
		Event:   "phx_join",
		Payload: payload,
		Ref:     c.nextRef(),
	})
	if err != nil {
		return fmt.Errorf("realtime: join %s: %w", c.topic, err)
	}

	// The server answers with phx_reply; a rejected join (bad token,
	// not a participant) must fail here, not hand out a channel that
	// will never deliver. The read pump has not started yet, so reading
	// the reply synchronously is safe.
	for {
		var reply envelope
		if err := wsjson.Read(joinCtx, c.conn, &reply); err != nil {
			return fmt.Errorf("realtime: join %s: awaiting reply: %w", c.topic, err)
		}
		if reply.Event != "phx_reply" || reply.Topic != c.topic {
			continue
		}
		var verdict joinReply
		if err := json.Unmarshal(reply.Payload, &verdict); err != nil {
			return fmt.Errorf("realtime: join %s: undecodable reply: %w", c.topic, err)
		}
		if verdict.Status != "ok" {
			return fmt.Errorf("realtime: join %s rejected: %s %s", c.topic, verdict.Status, verdict.Response)
		}
		return nil
	}
}

// Events implements backend.Channel.
func (c *wsChannel) Events() <-chan backend.Message {
	return c.events
}

// Close implements backend.Channel. Safe to call more than once.
func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (c *wsChannel) readPump() {
	defer close(c.events)
	for {
		var env envelope
		if err := wsjson.Read(context.Background(), c.conn, &env); err != nil {
			select {
			case <-c.done:
			default:
				if websocket.CloseStatus(err) != -1 {
					c.logger.Info("realtime socket closed by server")
				} else {
					c.logger.Warn("realtime read failed", zap.Error(err))
				}
			}
			return
		}
		if env.Event != "INSERT" || env.Topic != c.topic {
			continue
		}
		var p insertPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("undecodable insert payload", zap.Error(err))
			continue
		}
		select {
		case c.events <- p.Record.toMessage():
		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := wsjson.Write(ctx, c.conn, envelope{
				Topic:   "phoenix",
				Event:   "heartbeat",
				Payload: json.RawMessage("{}"),
				Ref:     c.nextRef(),
			})
			cancel()
			if err != nil {
				c.logger.Warn("heartbeat failed", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func toWebsocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
