// Package router persists chat traffic and fans it out to live connections.
package router

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mistakeknot/interdesk/internal/core"
	"github.com/mistakeknot/interdesk/internal/permission"
	"github.com/mistakeknot/interdesk/internal/presence"
	"github.com/mistakeknot/interdesk/internal/storage"
)

const MaxContentLength = 5000

var contentTypes = map[string]bool{
	core.ContentText: true,
	"image":          true,
	"file":           true,
	"link":           true,
}

// Deliverer pushes an event to every live connection of one identity and
// reports whether any received it.
type Deliverer interface {
	Deliver(tenant string, role core.Role, id string, p core.Push) bool
}

type Gate interface {
	CanReply(ctx context.Context, tenant, agentID, visitorID string) (permission.Decision, error)
}

type Responder interface {
	Reply(ctx context.Context, tenant, content string, agentsOnline bool) (string, bool, error)
}

type nopDeliverer struct{}

func (nopDeliverer) Deliver(string, core.Role, string, core.Push) bool { return false }

type Router struct {
	store     storage.Store
	presence  *presence.Registry
	gate      Gate
	responder Responder
	deliver   Deliverer
	now       func() time.Time
}

func New(store storage.Store, reg *presence.Registry, gate Gate) *Router {
	return &Router{
		store:    store,
		presence: reg,
		gate:     gate,
		deliver:  nopDeliverer{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Router) WithDeliverer(d Deliverer) *Router {
	if d != nil {
		r.deliver = d
	}
	return r
}

func (r *Router) WithResponder(resp Responder) *Router {
	r.responder = resp
	return r
}

type Request struct {
	Tenant      string
	FromID      string
	FromType    core.Role
	ToID        string
	ToType      core.Role
	Content     string
	ContentType string
}

type Outcome struct {
	Message   core.Message
	Delivered bool
	// Automated is the responder's reply when one was sent.
	Automated *core.Message
}

// TypingEvent is pushed as user_typing.
type TypingEvent struct {
	FromID   string    `json:"fromId"`
	FromType core.Role `json:"fromType"`
	IsTyping bool      `json:"isTyping"`
}

// ReadEvent is pushed as message_read.
type ReadEvent struct {
	SessionID  string   `json:"sessionId"`
	MessageIDs []string `json:"messageIds"`
	ReaderID   string   `json:"readerId"`
}

func validate(req *Request) error {
	if req.Tenant == "" || req.FromID == "" {
		return core.Invalid("sender required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return core.Invalid("content is empty")
	}
	if utf8.RuneCountInString(req.Content) > MaxContentLength {
		return core.Invalid("content exceeds %d characters", MaxContentLength)
	}
	if req.ContentType == "" {
		req.ContentType = core.ContentText
	}
	if !contentTypes[req.ContentType] {
		return core.Invalid("unsupported content type %q", req.ContentType)
	}
	return nil
}

// Send persists one chat message and delivers it. Nothing is delivered
// unless the write succeeded; a failed write returns core.ErrPersistence.
func (r *Router) Send(ctx context.Context, req Request) (Outcome, error) {
	if err := validate(&req); err != nil {
		return Outcome{}, err
	}
	switch req.FromType {
	case core.RoleVisitor:
		return r.fromVisitor(ctx, req)
	case core.RoleAgent:
		return r.fromAgent(ctx, req)
	default:
		return Outcome{}, core.Invalid("unknown sender type %q", req.FromType)
	}
}

func (r *Router) fromVisitor(ctx context.Context, req Request) (Outcome, error) {
	v, err := r.store.GetVisitor(ctx, req.Tenant, req.FromID)
	if err != nil {
		return Outcome{}, err
	}
	if v.Blacklisted {
		return Outcome{}, core.ErrBlacklisted
	}
	sess, err := r.store.OpenSession(ctx, req.Tenant, req.FromID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return Outcome{}, core.Invalid("no open session, join first")
		}
		return Outcome{}, err
	}

	// The session decides the recipient; the client's toId is advisory.
	agentID := ""
	if sess.State == core.SessionAssigned || sess.State == core.SessionActive {
		agentID = sess.AgentID
	}
	msg := core.Message{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		Tenant:      req.Tenant,
		Direction:   core.ToAgent,
		SenderType:  core.SenderVisitor,
		SenderID:    req.FromID,
		RecipientID: agentID,
		Content:     req.Content,
		ContentType: req.ContentType,
		CreatedAt:   r.now(),
	}
	if err := r.persist(ctx, sess, msg); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Message: msg}
	agentOnline := agentID != "" && r.presence.IsOnline(req.Tenant, core.RoleAgent, agentID)
	if agentOnline {
		out.Delivered = r.deliver.Deliver(req.Tenant, core.RoleAgent, agentID, core.Push{Type: core.EventReceiveMessage, Data: msg})
	}
	if !agentOnline || sess.Automated {
		out.Automated = r.autoReply(ctx, sess, msg)
	}
	return out, nil
}

func (r *Router) fromAgent(ctx context.Context, req Request) (Outcome, error) {
	if req.ToID == "" {
		return Outcome{}, core.Invalid("recipient visitor required")
	}
	decision, err := r.gate.CanReply(ctx, req.Tenant, req.FromID, req.ToID)
	if err != nil {
		return Outcome{}, err
	}
	if err := decision.Err(); err != nil {
		return Outcome{}, err
	}
	sess, err := r.store.OpenSession(ctx, req.Tenant, req.ToID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return Outcome{}, core.Invalid("visitor has no open session")
		}
		return Outcome{}, err
	}
	msg := core.Message{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		Tenant:      req.Tenant,
		Direction:   core.ToVisitor,
		SenderType:  core.SenderAgent,
		SenderID:    req.FromID,
		RecipientID: req.ToID,
		Content:     req.Content,
		ContentType: req.ContentType,
		CreatedAt:   r.now(),
	}
	if err := r.persist(ctx, sess, msg); err != nil {
		return Outcome{}, err
	}
	delivered := r.deliver.Deliver(req.Tenant, core.RoleVisitor, req.ToID, core.Push{Type: core.EventReceiveMessage, Data: msg})
	return Outcome{Message: msg, Delivered: delivered}, nil
}

func (r *Router) persist(ctx context.Context, sess core.Session, msg core.Message) error {
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return core.Persist("append message", err)
	}
	if err := r.store.TouchSession(ctx, sess.ID, msg.CreatedAt); err != nil {
		log.Warn().Err(err).Str("component", "router").Str("session", sess.ID).Msg("touch session")
	}
	return nil
}

// autoReply asks the responder for an answer and sends it to the visitor
// tagged as automated. Failures here never fail the visitor's own send.
func (r *Router) autoReply(ctx context.Context, sess core.Session, in core.Message) *core.Message {
	if r.responder == nil {
		return nil
	}
	agentsOnline := r.presence.Count(sess.Tenant, core.RoleAgent) > 0
	text, ok, err := r.responder.Reply(ctx, sess.Tenant, in.Content, agentsOnline)
	if err != nil {
		log.Warn().Err(err).Str("component", "router").Str("tenant", sess.Tenant).Msg("automated responder")
		return nil
	}
	if !ok {
		return nil
	}
	reply, err := r.SendAutomated(ctx, sess, text)
	if err != nil {
		log.Warn().Err(err).Str("component", "router").Str("session", sess.ID).Msg("automated reply")
		return nil
	}
	return &reply
}

// SendAutomated persists text as an automated message to the session's
// visitor and delivers it.
func (r *Router) SendAutomated(ctx context.Context, sess core.Session, text string) (core.Message, error) {
	msg := core.Message{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		Tenant:      sess.Tenant,
		Direction:   core.ToVisitor,
		SenderType:  core.SenderAutomated,
		RecipientID: sess.VisitorID,
		Content:     text,
		ContentType: core.ContentText,
		CreatedAt:   r.now(),
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return core.Message{}, core.Persist("append automated message", err)
	}
	r.deliver.Deliver(sess.Tenant, core.RoleVisitor, sess.VisitorID, core.Push{Type: core.EventReceiveMessage, Data: msg})
	return msg, nil
}

// Typing forwards a typing indicator to the other party. It is never
// persisted and silently dropped when there is no one to tell.
func (r *Router) Typing(ctx context.Context, from core.Identity, toID string, isTyping bool) {
	ev := core.Push{Type: core.EventUserTyping, Data: TypingEvent{FromID: from.ID, FromType: from.Role, IsTyping: isTyping}}
	switch from.Role {
	case core.RoleVisitor:
		sess, err := r.store.OpenSession(ctx, from.Tenant, from.ID)
		if err != nil || sess.AgentID == "" || sess.State == core.SessionWaiting {
			return
		}
		r.deliver.Deliver(from.Tenant, core.RoleAgent, sess.AgentID, ev)
	case core.RoleAgent:
		if toID == "" {
			return
		}
		if d, err := r.gate.CanReply(ctx, from.Tenant, from.ID, toID); err != nil || !d.CanReply {
			return
		}
		r.deliver.Deliver(from.Tenant, core.RoleVisitor, toID, ev)
	}
}

// MarkRead flags messages addressed to reader as read and tells the other
// party. visitorID selects the session when the reader is an agent.
func (r *Router) MarkRead(ctx context.Context, reader core.Identity, visitorID string, ids []string) (ReadEvent, error) {
	if reader.Role == core.RoleVisitor {
		visitorID = reader.ID
	} else {
		if visitorID == "" {
			return ReadEvent{}, core.Invalid("visitor id required")
		}
		d, err := r.gate.CanReply(ctx, reader.Tenant, reader.ID, visitorID)
		if err != nil {
			return ReadEvent{}, err
		}
		if err := d.Err(); err != nil {
			return ReadEvent{}, err
		}
	}
	sess, err := r.store.OpenSession(ctx, reader.Tenant, visitorID)
	if err != nil {
		return ReadEvent{}, err
	}
	changed, err := r.store.MarkRead(ctx, sess.ID, reader.ID, ids)
	if err != nil {
		return ReadEvent{}, core.Persist("mark read", err)
	}
	ev := ReadEvent{SessionID: sess.ID, MessageIDs: changed, ReaderID: reader.ID}
	if len(changed) == 0 {
		return ev, nil
	}
	push := core.Push{Type: core.EventMessageRead, Data: ev}
	if reader.Role == core.RoleVisitor {
		if sess.AgentID != "" {
			r.deliver.Deliver(reader.Tenant, core.RoleAgent, sess.AgentID, push)
		}
	} else {
		r.deliver.Deliver(reader.Tenant, core.RoleVisitor, visitorID, push)
	}
	return ev, nil
}
