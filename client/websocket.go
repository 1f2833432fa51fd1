package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is one server push on the chat socket.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type JoinRequest struct {
	ID               string `json:"id,omitempty"`
	Type             string `json:"type"`
	Name             string `json:"name,omitempty"`
	Token            string `json:"token,omitempty"`
	ExclusiveAgentID string `json:"exclusiveAgentId,omitempty"`
	Priority         int    `json:"priority,omitempty"`
}

type Identity struct {
	Tenant string `json:"tenant"`
	Role   string `json:"role"`
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
}

type SessionSummary struct {
	SessionID            string     `json:"sessionId"`
	State                string     `json:"state"`
	AssignedAgent        *AgentInfo `json:"assignedAgent,omitempty"`
	IsExclusive          bool       `json:"isExclusive"`
	Queued               bool       `json:"queued"`
	Position             int        `json:"position,omitempty"`
	EstimatedWaitSeconds int        `json:"estimatedWaitSeconds,omitempty"`
	Resumed              bool       `json:"resumed"`
	Automated            bool       `json:"automated"`
}

type JoinSuccess struct {
	Identity     Identity        `json:"identity"`
	Token        string          `json:"token,omitempty"`
	Session      *SessionSummary `json:"sessionSummary,omitempty"`
	TotalAgents  int             `json:"totalAgents"`
	WaitingCount int             `json:"waitingCount,omitempty"`
}

type SendRequest struct {
	ClientMsgID string `json:"clientMsgId,omitempty"`
	ToID        string `json:"toId,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
}

// ServerError is an error push answering a join.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("interdesk: %s: %s", e.Code, e.Message)
}

var ErrChatClosed = errors.New("chat closed")

// ChatOption configures a Chat
type ChatOption func(*Chat)

// WithChatAPIKey sets the API key for websocket authentication
func WithChatAPIKey(key string) ChatOption {
	return func(c *Chat) {
		c.apiKey = key
	}
}

// WithChatTenant names the tenant on localhost connections
func WithChatTenant(tenant string) ChatOption {
	return func(c *Chat) {
		c.tenant = tenant
	}
}

// WithAutoReconnect redials after a dropped connection and rejoins with the
// identity token from the last successful join.
func WithAutoReconnect(enabled bool) ChatOption {
	return func(c *Chat) {
		c.reconnect = enabled
	}
}

// Chat is one visitor or agent connection.
type Chat struct {
	baseURL   string
	apiKey    string
	tenant    string
	reconnect bool

	mu      sync.Mutex
	conn    *websocket.Conn
	join    *JoinRequest
	pending chan Event

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Dial connects to baseURL's /ws endpoint. Pushes arrive on Events until
// Close, or until the connection drops without auto-reconnect.
func Dial(ctx context.Context, baseURL string, opts ...ChatOption) (*Chat, error) {
	c := &Chat{baseURL: baseURL, events: make(chan Event, 256)}
	for _, opt := range opts {
		opt(c)
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.readLoop()
	return c, nil
}

func (c *Chat) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return nil, fmt.Errorf("build websocket url: %w", err)
	}
	opts := &websocket.DialOptions{}
	if c.apiKey != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + c.apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

func (c *Chat) buildWSURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	if c.tenant != "" {
		q := u.Query()
		q.Set("tenant", c.tenant)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Chat) Events() <-chan Event {
	return c.events
}

// Join identifies the connection and waits for the server's answer. The
// returned token resumes the same visitor on a later connection.
func (c *Chat) Join(ctx context.Context, req JoinRequest) (JoinSuccess, error) {
	wait := make(chan Event, 1)
	c.mu.Lock()
	c.pending = wait
	c.mu.Unlock()

	if err := c.Emit(ctx, "identity_join", req); err != nil {
		return JoinSuccess{}, err
	}
	select {
	case <-ctx.Done():
		return JoinSuccess{}, ctx.Err()
	case <-c.ctx.Done():
		return JoinSuccess{}, ErrChatClosed
	case ev := <-wait:
		if ev.Type != "join_success" {
			var se ServerError
			if err := ev.Decode(&se); err != nil {
				return JoinSuccess{}, err
			}
			return JoinSuccess{}, &se
		}
		var js JoinSuccess
		if err := ev.Decode(&js); err != nil {
			return JoinSuccess{}, err
		}
		req.ID = js.Identity.ID
		if js.Token != "" {
			req.Token = js.Token
		}
		c.mu.Lock()
		c.join = &req
		c.mu.Unlock()
		return js, nil
	}
}

// Emit sends one event frame.
func (c *Chat) Emit(ctx context.Context, typ string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return wsjson.Write(ctx, conn, Event{Type: typ, Data: raw})
}

func (c *Chat) Send(ctx context.Context, req SendRequest) error {
	return c.Emit(ctx, "send_message", req)
}

func (c *Chat) Typing(ctx context.Context, toID string, typing bool) error {
	return c.Emit(ctx, "typing", map[string]any{"toId": toID, "isTyping": typing})
}

// MarkRead marks messages of the visitor's session as read. No ids means all.
func (c *Chat) MarkRead(ctx context.Context, visitorID string, ids ...string) error {
	return c.Emit(ctx, "read_message", map[string]any{"visitorId": visitorID, "messageIds": ids})
}

// EndChat ends the session. Agents name the visitor; visitors pass "".
func (c *Chat) EndChat(ctx context.Context, visitorID string) error {
	return c.Emit(ctx, "end_chat", map[string]string{"visitorId": visitorID})
}

func (c *Chat) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		err = conn.Close(websocket.StatusNormalClosure, "client closing")
	})
	return err
}

func (c *Chat) readLoop() {
	defer close(c.events)
	defer c.cancel()
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		var ev Event
		if err := wsjson.Read(c.ctx, conn, &ev); err != nil {
			if c.ctx.Err() != nil || !c.reconnect || !c.handleReconnect() {
				return
			}
			continue
		}

		c.mu.Lock()
		wait := c.pending
		if wait != nil && (ev.Type == "join_success" || ev.Type == "error") {
			c.pending = nil
		} else {
			wait = nil
		}
		c.mu.Unlock()
		if wait != nil {
			wait <- ev
			continue
		}

		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

// handleReconnect redials with backoff and replays the last join. Its
// join_success arrives on Events like any other push.
func (c *Chat) handleReconnect() bool {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := c.dial(c.ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			join := c.join
			c.mu.Unlock()
			if join != nil {
				if err := c.Emit(c.ctx, "identity_join", join); err != nil {
					continue
				}
			}
			return true
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
