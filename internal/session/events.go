package session

import (
	"encoding/json"

	"github.com/mistakeknot/interdesk/internal/assign"
	"github.com/mistakeknot/interdesk/internal/core"
)

// Inbound payloads.

type JoinRequest struct {
	ID               string          `json:"id"`
	Type             core.Role       `json:"type"`
	Name             string          `json:"name"`
	Tenant           string          `json:"tenant"`
	Token            string          `json:"token"`
	ExclusiveAgentID string          `json:"exclusiveAgentId"`
	Priority         int             `json:"priority"`
	DeviceInfo       json.RawMessage `json:"deviceInfo"`
}

type SendRequest struct {
	ClientMsgID string    `json:"clientMsgId"`
	ToID        string    `json:"toId"`
	ToType      core.Role `json:"toType"`
	Content     string    `json:"content"`
	ContentType string    `json:"contentType"`
}

type TypingRequest struct {
	ToID     string `json:"toId"`
	IsTyping bool   `json:"isTyping"`
}

type ReadRequest struct {
	VisitorID  string   `json:"visitorId"`
	MessageIDs []string `json:"messageIds"`
}

// VisitorRef carries the target of end_chat, accept_queue and
// get_queue_status.
type VisitorRef struct {
	VisitorID string `json:"visitorId"`
}

type PriorityRequest struct {
	VisitorID string `json:"visitorId"`
	Priority  int    `json:"priority"`
}

// Outbound payloads.

type SessionSummary struct {
	SessionID            string            `json:"sessionId"`
	State                core.SessionState `json:"state"`
	AssignedAgent        *core.AgentInfo   `json:"assignedAgent,omitempty"`
	IsExclusive          bool              `json:"isExclusive"`
	Queued               bool              `json:"queued"`
	Position             int               `json:"position,omitempty"`
	EstimatedWaitSeconds int               `json:"estimatedWaitSeconds,omitempty"`
	Resumed              bool              `json:"resumed"`
	Automated            bool              `json:"automated"`
}

type OnlineAgent struct {
	core.AgentInfo
	State core.AgentState `json:"state"`
}

type JoinSuccess struct {
	Identity     core.Identity   `json:"identity"`
	Token        string          `json:"token,omitempty"`
	Session      *SessionSummary `json:"sessionSummary,omitempty"`
	OnlineAgents []OnlineAgent   `json:"onlineAgents"`
	TotalAgents  int             `json:"totalAgents"`
	WaitingCount int             `json:"waitingCount,omitempty"`
}

type OnlineUsers struct {
	Agents      []OnlineAgent   `json:"agents"`
	TotalAgents int             `json:"totalAgents"`
	Visitors    []core.Identity `json:"visitors,omitempty"`
}

type MessageSent struct {
	ClientMsgID string        `json:"clientMsgId,omitempty"`
	Message     core.Message  `json:"message"`
	Delivered   bool          `json:"delivered"`
	Automated   *core.Message `json:"automated,omitempty"`
}

type MessageBlocked struct {
	ClientMsgID   string          `json:"clientMsgId,omitempty"`
	Reason        string          `json:"reason"`
	AssignedAgent *core.AgentInfo `json:"assignedAgent,omitempty"`
}

type MessageFailed struct {
	ClientMsgID string `json:"clientMsgId,omitempty"`
	Reason      string `json:"reason"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type QueueStatus struct {
	VisitorID string `json:"visitorId"`
	assign.Status
}

type QueueUpdate struct {
	WaitingCount int `json:"waitingCount"`
}

type OfflineTip struct {
	AgentID string `json:"agentId,omitempty"`
	Message string `json:"message"`
}

type AssignmentEvent struct {
	SessionID       string          `json:"sessionId"`
	VisitorID       string          `json:"visitorId"`
	Agent           *core.AgentInfo `json:"agent"`
	PreviousAgentID string          `json:"previousAgentId,omitempty"`
	IsExclusive     bool            `json:"isExclusive"`
}

type EndedEvent struct {
	SessionID string `json:"sessionId"`
	VisitorID string `json:"visitorId"`
	AgentID   string `json:"agentId,omitempty"`
	Reason    string `json:"reason"`
}

type PresenceEvent struct {
	ID   string    `json:"id"`
	Role core.Role `json:"role"`
	Name string    `json:"name,omitempty"`
}

type NewVisitor struct {
	Visitor         core.Identity     `json:"visitor"`
	SessionID       string            `json:"sessionId"`
	State           core.SessionState `json:"state"`
	AssignedAgentID string            `json:"assignedAgentId,omitempty"`
}

type Blacklisted struct {
	Reason string `json:"reason"`
}

type Pong struct {
	Time int64 `json:"time"`
}
