// Package client is a Go client for an interdesk server: the HTTP API, the
// chat websocket and a scrollable transcript.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
	Tenant  string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

// WithTenant names the tenant on localhost connections. A keyed client is
// always scoped to its key's tenant.
func WithTenant(tenant string) Option {
	return func(c *Client) {
		c.Tenant = strings.TrimSpace(tenant)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a response whose envelope code is not zero.
type APIError struct {
	Status int
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("interdesk: %d %s", e.Code, e.Msg)
}

type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Direction   string    `json:"direction"`
	SenderType  string    `json:"sender_type"`
	SenderID    string    `json:"sender_id,omitempty"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	Read        bool      `json:"read"`
}

type HistoryQuery struct {
	SessionID string
	Cursor    string
	Before    string
	Page      int
	PageSize  int
}

type HistoryPage struct {
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"hasMore"`
	NextCursor string    `json:"nextCursor,omitempty"`
	PrevCursor string    `json:"prevCursor,omitempty"`
	Page       int       `json:"page,omitempty"`
	PageSize   int       `json:"pageSize"`
	TotalCount int       `json:"totalCount"`
	TotalPages int       `json:"totalPages"`
}

type AgentInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Level string `json:"level"`
}

type Decision struct {
	CanReply      bool       `json:"canReply"`
	Reason        string     `json:"reason,omitempty"`
	AssignedAgent *AgentInfo `json:"assignedAgent,omitempty"`
}

type QueueStatus struct {
	Queued               bool   `json:"queued"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds"`
	WaitingCount         int    `json:"waitingCount"`
	PinnedTo             string `json:"pinnedTo,omitempty"`
}

type Workload struct {
	CurrentChatCount   int     `json:"currentChatCount"`
	MaxConcurrentChats int     `json:"maxConcurrentChats"`
	WorkStatus         string  `json:"workStatus"`
	UtilizationRate    float64 `json:"utilizationRate"`
	AvailableSlots     int     `json:"availableSlots"`
}

type Agent struct {
	ID       string `json:"id,omitempty"`
	Tenant   string `json:"tenant,omitempty"`
	Name     string `json:"name"`
	Level    string `json:"level,omitempty"`
	State    string `json:"state,omitempty"`
	Capacity *int   `json:"capacity,omitempty"`
	Load     int    `json:"load,omitempty"`
}

type Session struct {
	ID        string `json:"id"`
	VisitorID string `json:"visitor_id"`
	State     string `json:"state"`
	AgentID   string `json:"assigned_agent_id,omitempty"`
	Exclusive bool   `json:"is_exclusive"`
	Priority  int    `json:"priority"`
	Automated bool   `json:"automated"`
}

func (c *Client) History(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	v := url.Values{}
	v.Set("sessionId", q.SessionID)
	setIf(v, "cursor", q.Cursor)
	setIf(v, "before", q.Before)
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		v.Set("pageSize", strconv.Itoa(q.PageSize))
	}
	var out HistoryPage
	err := c.do(ctx, http.MethodGet, "/api/history", v, nil, &out)
	return out, err
}

func (c *Client) CheckReplyPermission(ctx context.Context, visitorID, agentID string) (Decision, error) {
	var out Decision
	err := c.do(ctx, http.MethodPost, "/api/check-reply-permission", nil, map[string]string{"visitorId": visitorID, "agentId": agentID}, &out)
	return out, err
}

func (c *Client) QueueStatus(ctx context.Context, visitorID string) (QueueStatus, error) {
	var out QueueStatus
	err := c.do(ctx, http.MethodGet, "/api/queue-status", url.Values{"visitorId": {visitorID}}, nil, &out)
	return out, err
}

func (c *Client) Workload(ctx context.Context, agentID string) (Workload, error) {
	var out Workload
	err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(agentID)+"/workload", nil, nil, &out)
	return out, err
}

// RegisterAgent creates or updates an agent. Live state and load survive
// re-registration.
func (c *Client) RegisterAgent(ctx context.Context, agent Agent) (Agent, error) {
	var out Agent
	err := c.do(ctx, http.MethodPost, "/api/agents", nil, agent, &out)
	return out, err
}

func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var out []Agent
	err := c.do(ctx, http.MethodGet, "/api/agents", nil, nil, &out)
	return out, err
}

func (c *Client) Waiting(ctx context.Context) ([]Session, error) {
	var out []Session
	err := c.do(ctx, http.MethodGet, "/api/sessions/waiting", nil, nil, &out)
	return out, err
}

func (c *Client) Transfer(ctx context.Context, visitorID, toAgentID string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/api/sessions/transfer", nil, map[string]string{"visitorId": visitorID, "toAgentId": toAgentID}, &out)
	return out, err
}

// EndSession closes the visitor's session. An empty reason means the agent
// ended it.
func (c *Client) EndSession(ctx context.Context, visitorID, reason string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/api/sessions/end", nil, map[string]string{"visitorId": visitorID, "reason": reason}, &out)
	return out, err
}

func (c *Client) Blacklist(ctx context.Context, visitorID string, blacklisted bool) error {
	return c.do(ctx, http.MethodPost, "/api/visitors/"+url.PathEscape(visitorID)+"/blacklist", nil, map[string]bool{"blacklisted": blacklisted}, nil)
}

func setIf(v url.Values, key, val string) {
	if val != "" {
		v.Set(key, val)
	}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// do sends one request and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	if query == nil {
		query = url.Values{}
	}
	if c.Tenant != "" {
		query.Set("tenant", c.Tenant)
	}
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: status %d: decode: %w", method, path, resp.StatusCode, err)
	}
	if env.Code != 0 {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}
