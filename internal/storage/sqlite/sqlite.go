package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mistakeknot/interdesk/internal/core"
	"github.com/mistakeknot/interdesk/internal/storage"
)

//go:embed schema.sql
var schema string

var _ storage.Store = (*Store)(nil)

type Store struct {
	db dbHandle
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Single writer; also keeps pragmas on one connection.
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: &queryLogger{inner: db}}, nil
}

func NewInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Every :memory: connection is a separate database.
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: &queryLogger{inner: db}}, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, core.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func nullToken(tok string) any {
	if tok == "" {
		return nil
	}
	return tok
}

// --- visitors ---

const visitorCols = `tenant, id, name, device, COALESCE(token, ''), blacklisted, exclusive_agent_id, created_at, last_seen`

func scanVisitor(row interface{ Scan(...any) error }) (core.Visitor, error) {
	var (
		v                   core.Visitor
		blacklisted         int
		createdAt, lastSeen int64
	)
	if err := row.Scan(&v.Tenant, &v.ID, &v.Name, &v.Device, &v.Token, &blacklisted, &v.ExclusiveAgentID, &createdAt, &lastSeen); err != nil {
		return core.Visitor{}, err
	}
	v.Blacklisted = blacklisted != 0
	v.CreatedAt = fromNanos(createdAt)
	v.LastSeen = fromNanos(lastSeen)
	return v, nil
}

func (s *Store) SaveVisitor(ctx context.Context, v core.Visitor) (core.Visitor, error) {
	if v.ID == "" || v.Tenant == "" {
		return core.Visitor{}, core.Invalid("visitor id and tenant required")
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO visitors (tenant, id, name, device, token, blacklisted, exclusive_agent_id, created_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant, id) DO UPDATE SET
		   name=excluded.name, device=excluded.device,
		   token=COALESCE(excluded.token, visitors.token),
		   blacklisted=excluded.blacklisted, exclusive_agent_id=excluded.exclusive_agent_id,
		   last_seen=excluded.last_seen`,
		v.Tenant, v.ID, v.Name, v.Device, nullToken(v.Token), boolInt(v.Blacklisted), v.ExclusiveAgentID, nanos(v.CreatedAt), nanos(v.LastSeen),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.Visitor{}, fmt.Errorf("visitor token: %w", core.ErrConflict)
		}
		return core.Visitor{}, fmt.Errorf("upsert visitor: %w", err)
	}
	return s.GetVisitor(ctx, v.Tenant, v.ID)
}

func (s *Store) GetVisitor(ctx context.Context, tenant, id string) (core.Visitor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+visitorCols+` FROM visitors WHERE tenant = ? AND id = ?`, tenant, id)
	v, err := scanVisitor(row)
	if err != nil {
		return core.Visitor{}, notFound(err, "visitor", id)
	}
	return v, nil
}

func (s *Store) VisitorByToken(ctx context.Context, token string) (core.Visitor, error) {
	if token == "" {
		return core.Visitor{}, fmt.Errorf("visitor token: %w", core.ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+visitorCols+` FROM visitors WHERE token = ?`, token)
	v, err := scanVisitor(row)
	if err != nil {
		return core.Visitor{}, notFound(err, "visitor", "token")
	}
	return v, nil
}

func (s *Store) SetBlacklisted(ctx context.Context, tenant, visitorID string, blacklisted bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE visitors SET blacklisted = ? WHERE tenant = ? AND id = ?`, boolInt(blacklisted), tenant, visitorID)
	return affected(res, err, "visitor", visitorID)
}

func affected(res sql.Result, err error, what, id string) error {
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, core.ErrNotFound)
	}
	return nil
}

// --- agents ---

const agentCols = `tenant, id, name, level, state, capacity, load, created_at`

func scanAgent(row interface{ Scan(...any) error }) (core.Agent, error) {
	var (
		a         core.Agent
		level     string
		state     string
		createdAt int64
	)
	if err := row.Scan(&a.Tenant, &a.ID, &a.Name, &level, &state, &a.Capacity, &a.Load, &createdAt); err != nil {
		return core.Agent{}, err
	}
	a.Level = core.Level(level)
	a.State = core.AgentState(state)
	a.CreatedAt = fromNanos(createdAt)
	return a, nil
}

func (s *Store) SaveAgent(ctx context.Context, a core.Agent) (core.Agent, error) {
	if a.ID == "" || a.Tenant == "" {
		return core.Agent{}, core.Invalid("agent id and tenant required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.State == "" {
		a.State = core.AgentOffline
	}
	if a.Level == "" {
		a.Level = core.LevelService
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (tenant, id, name, level, state, capacity, load, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant, id) DO UPDATE SET
		   name=excluded.name, level=excluded.level, state=excluded.state,
		   capacity=excluded.capacity, load=excluded.load`,
		a.Tenant, a.ID, a.Name, string(a.Level), string(a.State), a.Capacity, a.Load, nanos(a.CreatedAt),
	)
	if err != nil {
		return core.Agent{}, fmt.Errorf("upsert agent: %w", err)
	}
	return s.GetAgent(ctx, a.Tenant, a.ID)
}

func (s *Store) GetAgent(ctx context.Context, tenant, id string) (core.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE tenant = ? AND id = ?`, tenant, id)
	a, err := scanAgent(row)
	if err != nil {
		return core.Agent{}, notFound(err, "agent", id)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, tenant string) ([]core.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentCols+` FROM agents WHERE tenant = ? ORDER BY id`, tenant)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()
	var out []core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) SetAgentState(ctx context.Context, tenant, id string, state core.AgentState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET state = ? WHERE tenant = ? AND id = ?`, string(state), tenant, id)
	return affected(res, err, "agent", id)
}

func (s *Store) SetAgentLoad(ctx context.Context, tenant, id string, load int) error {
	if load < 0 {
		load = 0
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET load = ? WHERE tenant = ? AND id = ?`, load, tenant, id)
	return affected(res, err, "agent", id)
}

// --- sessions ---

const sessionCols = `id, tenant, visitor_id, state, agent_id, exclusive, priority, queue_position, automated,
	created_at, assigned_at, updated_at, last_message_at, ended_at`

func scanSession(row interface{ Scan(...any) error }) (core.Session, error) {
	var (
		s                                   core.Session
		state                               string
		exclusive, automated                int
		created, assigned, updated, lastMsg int64
		ended                               int64
	)
	if err := row.Scan(&s.ID, &s.Tenant, &s.VisitorID, &state, &s.AgentID, &exclusive, &s.Priority, &s.QueuePosition, &automated,
		&created, &assigned, &updated, &lastMsg, &ended); err != nil {
		return core.Session{}, err
	}
	s.State = core.SessionState(state)
	s.Exclusive = exclusive != 0
	s.Automated = automated != 0
	s.CreatedAt = fromNanos(created)
	s.AssignedAt = fromNanos(assigned)
	s.UpdatedAt = fromNanos(updated)
	s.LastMessageAt = fromNanos(lastMsg)
	s.EndedAt = fromNanos(ended)
	return s, nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]core.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var out []core.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) CreateSession(ctx context.Context, sess core.Session) (core.Session, error) {
	if sess.ID == "" || sess.Tenant == "" || sess.VisitorID == "" {
		return core.Session{}, core.Invalid("session id, tenant and visitor required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Tenant, sess.VisitorID, string(sess.State), sess.AgentID, boolInt(sess.Exclusive), sess.Priority,
		sess.QueuePosition, boolInt(sess.Automated), nanos(sess.CreatedAt), nanos(sess.AssignedAt), nanos(sess.UpdatedAt),
		nanos(sess.LastMessageAt), nanos(sess.EndedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.Session{}, fmt.Errorf("open session for %s: %w", sess.VisitorID, core.ErrConflict)
		}
		return core.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// UpdateSession writes sess back. Message traffic is recorded by
// TouchSession outside the assignment actor, so last_message_at only moves
// forward and an active session stays active while its agent is unchanged.
func (s *Store) UpdateSession(ctx context.Context, sess core.Session) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
		   state = CASE WHEN state = 'active' AND ? = 'assigned' AND agent_id = ? THEN 'active' ELSE ? END,
		   agent_id = ?, exclusive = ?, priority = ?, queue_position = ?, automated = ?,
		   assigned_at = ?, updated_at = ?, last_message_at = MAX(last_message_at, ?), ended_at = ?
		 WHERE id = ?`,
		string(sess.State), sess.AgentID, string(sess.State),
		sess.AgentID, boolInt(sess.Exclusive), sess.Priority, sess.QueuePosition, boolInt(sess.Automated),
		nanos(sess.AssignedAt), nanos(sess.UpdatedAt), nanos(sess.LastMessageAt), nanos(sess.EndedAt), sess.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("reopen session %s: %w", sess.ID, core.ErrConflict)
	}
	return affected(res, err, "session", sess.ID)
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_message_at = MAX(last_message_at, ?),
		   state = CASE WHEN state = 'assigned' THEN 'active' ELSE state END
		 WHERE id = ?`, nanos(at), id)
	return affected(res, err, "session", id)
}

func (s *Store) GetSession(ctx context.Context, id string) (core.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return core.Session{}, notFound(err, "session", id)
	}
	return sess, nil
}

func (s *Store) OpenSession(ctx context.Context, tenant, visitorID string) (core.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE tenant = ? AND visitor_id = ? AND state != 'ended'`, tenant, visitorID)
	sess, err := scanSession(row)
	if err != nil {
		return core.Session{}, notFound(err, "open session for", visitorID)
	}
	return sess, nil
}

func (s *Store) ListOpenSessions(ctx context.Context, tenant string) ([]core.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE tenant = ? AND state != 'ended' ORDER BY created_at, id`, tenant)
}

func (s *Store) StaleSessions(ctx context.Context, before time.Time) ([]core.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE state IN ('assigned', 'active') AND MAX(updated_at, last_message_at) < ?`, nanos(before))
}

func (s *Store) EndedSessions(ctx context.Context, tenant string, since time.Time, limit int) ([]core.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.querySessions(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE tenant = ? AND state = 'ended' AND ended_at >= ?
		 ORDER BY ended_at DESC LIMIT ?`, tenant, nanos(since), limit)
}

// --- messages ---

func (s *Store) AppendMessage(ctx context.Context, m core.Message) error {
	if m.ID == "" || m.SessionID == "" {
		return core.Invalid("message id and session required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, tenant, direction, sender_type, sender_id, recipient_id, content, content_type, created_at, read)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Tenant, string(m.Direction), string(m.SenderType), m.SenderID, m.RecipientID,
		m.Content, m.ContentType, nanos(m.CreatedAt), boolInt(m.Read),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("message %s: %w", m.ID, core.ErrConflict)
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, q storage.MessageQuery) ([]core.Message, error) {
	var (
		where = []string{"session_id = ?"}
		args  = []any{sessionID}
	)
	if q.After != nil {
		at := nanos(q.After.At)
		where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, at, at, q.After.ID)
	}
	if q.Before != nil {
		at := nanos(q.Before.At)
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, at, at, q.Before.ID)
	}
	order := "created_at ASC, id ASC"
	if q.Descending {
		order = "created_at DESC, id DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, tenant, direction, sender_type, sender_id, recipient_id, content, content_type, created_at, read
		 FROM messages WHERE `+strings.Join(where, " AND ")+` ORDER BY `+order+` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var (
			m                     core.Message
			direction, senderType string
			createdAt             int64
			read                  int
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Tenant, &direction, &senderType, &m.SenderID, &m.RecipientID,
			&m.Content, &m.ContentType, &createdAt, &read); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Direction = core.Direction(direction)
		m.SenderType = core.SenderType(senderType)
		m.CreatedAt = fromNanos(createdAt)
		m.Read = read != 0
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) MarkRead(ctx context.Context, sessionID, readerID string, ids []string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT id FROM messages WHERE session_id = ? AND read = 0 AND sender_id != ?`
	args := []any{sessionID, readerID}
	if len(ids) > 0 {
		query += ` AND id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	rows, err := tx.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query unread: %w", err)
	}
	var changed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan unread: %w", err)
		}
		changed = append(changed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	for _, id := range changed {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET read = 1 WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("mark read: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return changed, nil
}
