package core

import (
	"encoding/json"
	"time"
)

type EventType string

// Inbound channel events.
const (
	EventIdentityJoin   EventType = "identity_join"
	EventGetOnlineUsers EventType = "get_online_users"
	EventSendMessage    EventType = "send_message"
	EventTyping         EventType = "typing"
	EventReadMessage    EventType = "read_message"
	EventEndChat        EventType = "end_chat"
	EventAcceptQueue    EventType = "accept_queue"
	EventUpdatePriority EventType = "update_priority"
	EventGetQueueStatus EventType = "get_queue_status"
	EventPing           EventType = "ping"
)

// Outbound channel events.
const (
	EventJoinSuccess       EventType = "join_success"
	EventOnlineUsersList   EventType = "online_users_list"
	EventMessageSent       EventType = "message_sent"
	EventReceiveMessage    EventType = "receive_message"
	EventMessageBlocked    EventType = "message_blocked"
	EventMessageFailed     EventType = "message_failed"
	EventUserTyping        EventType = "user_typing"
	EventMessageRead       EventType = "message_read"
	EventNewVisitor        EventType = "new_visitor"
	EventAgentOnline       EventType = "agent_online"
	EventUserOffline       EventType = "user_offline"
	EventAssignmentChanged EventType = "assignment_changed"
	EventQueueStatus       EventType = "queue_status"
	EventQueueUpdate       EventType = "queue_update"
	EventOfflineTip        EventType = "offline_tip"
	EventChatEnded         EventType = "chat_ended"
	EventSessionEnded      EventType = "session_ended"
	EventSessionTimeout    EventType = "session_timeout"
	EventBlacklisted       EventType = "blacklisted"
	EventError             EventType = "error"
	EventPong              EventType = "pong"
)

// Frame is the inbound wire shape; Data is decoded per event type.
type Frame struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Push is an outbound event addressed to one connection.
type Push struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

type Role string

const (
	RoleVisitor Role = "visitor"
	RoleAgent   Role = "agent"
)

// Identity is who a live connection speaks for.
type Identity struct {
	Tenant string `json:"tenant"`
	Role   Role   `json:"role"`
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
}

// Key is unique within a tenant.
func (i Identity) Key() string {
	return string(i.Role) + ":" + i.ID
}

type Level string

const (
	LevelService      Level = "service"
	LevelManager      Level = "manager"
	LevelSuperManager Level = "super_manager"
)

// IsManager reports whether the level may reply to any visitor and is
// exempt from load accounting.
func (l Level) IsManager() bool {
	return l == LevelManager || l == LevelSuperManager
}

func (l Level) Valid() bool {
	switch l {
	case LevelService, LevelManager, LevelSuperManager:
		return true
	}
	return false
}

type AgentState string

const (
	AgentOnline  AgentState = "online"
	AgentBusy    AgentState = "busy"
	AgentOffline AgentState = "offline"
)

type Agent struct {
	ID        string     `json:"id"`
	Tenant    string     `json:"tenant"`
	Name      string     `json:"name"`
	Level     Level      `json:"level"`
	State     AgentState `json:"state"`
	Capacity  int        `json:"capacity"`
	Load      int        `json:"load"`
	CreatedAt time.Time  `json:"created_at"`
}

// HasCapacity reports whether one more session fits. Managers are unbounded.
func (a Agent) HasCapacity() bool {
	return a.Level.IsManager() || a.Load < a.Capacity
}

func (a Agent) Public() *AgentInfo {
	return &AgentInfo{ID: a.ID, Name: a.Name, Level: a.Level}
}

// AgentInfo is the part of an agent that visitors and peers may see.
type AgentInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Level Level  `json:"level"`
}

type Visitor struct {
	ID               string    `json:"id"`
	Tenant           string    `json:"tenant"`
	Name             string    `json:"name"`
	Device           string    `json:"device,omitempty"`
	Token            string    `json:"-"`
	Blacklisted      bool      `json:"blacklisted"`
	ExclusiveAgentID string    `json:"exclusive_agent_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastSeen         time.Time `json:"last_seen"`
}

type SessionState string

const (
	SessionWaiting  SessionState = "waiting"
	SessionAssigned SessionState = "assigned"
	SessionActive   SessionState = "active"
	SessionEnded    SessionState = "ended"
)

type Session struct {
	ID            string       `json:"id"`
	Tenant        string       `json:"tenant"`
	VisitorID     string       `json:"visitor_id"`
	State         SessionState `json:"state"`
	AgentID       string       `json:"assigned_agent_id,omitempty"`
	Exclusive     bool         `json:"is_exclusive"`
	Priority      int          `json:"priority"`
	QueuePosition int          `json:"queue_position"`
	Automated     bool         `json:"automated"`
	CreatedAt     time.Time    `json:"created_at"`
	AssignedAt    time.Time    `json:"assigned_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
	LastMessageAt time.Time    `json:"last_message_at,omitempty"`
	EndedAt       time.Time    `json:"ended_at,omitempty"`
}

func (s Session) Open() bool {
	return s.ID != "" && s.State != SessionEnded
}

// LastActivity is the newest of the session's traffic and assignment times.
func (s Session) LastActivity() time.Time {
	last := s.UpdatedAt
	if s.LastMessageAt.After(last) {
		last = s.LastMessageAt
	}
	return last
}

type SenderType string

const (
	SenderVisitor   SenderType = "visitor"
	SenderAgent     SenderType = "agent"
	SenderAutomated SenderType = "automated"
	SenderSystem    SenderType = "system"
)

type Direction string

const (
	ToAgent   Direction = "to_agent"
	ToVisitor Direction = "to_visitor"
)

const ContentText = "text"

type Message struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Tenant      string     `json:"tenant"`
	Direction   Direction  `json:"direction"`
	SenderType  SenderType `json:"sender_type"`
	SenderID    string     `json:"sender_id,omitempty"`
	RecipientID string     `json:"recipient_id,omitempty"`
	Content     string     `json:"content"`
	ContentType string     `json:"content_type"`
	CreatedAt   time.Time  `json:"created_at"`
	Read        bool       `json:"read"`
}

// Less orders messages by (timestamp, id).
func (m Message) Less(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}
