// internal/state/sqlite.go
package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/user/remoteagent/internal/types"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound is returned by mutations whose target row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSessionState reports a violation of the one-active-session rule.
	ErrSessionState = errors.New("session state conflict")
)

// SQLiteStore implements the conversation, codebase and session stores
// using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db               *sql.DB
	defaultAssistant string
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies migrations.
// defaultAssistant is recorded on conversations created by GetOrCreateConversation.
func NewSQLiteStore(ctx context.Context, dbPath, defaultAssistant string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serialises writers and keeps pragmas on a single handle.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if defaultAssistant == "" {
		defaultAssistant = "claude"
	}
	s := &SQLiteStore{db: db, defaultAssistant: defaultAssistant}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func mustAffect(res sql.Result, what string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return nil
}

// --- Conversations ---

const conversationColumns = `id, platform_type, platform_conversation_id, codebase_id, cwd, ai_assistant_type, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*types.Conversation, error) {
	var (
		c          types.Conversation
		codebaseID sql.NullString
		cwd        sql.NullString
	)
	if err := row.Scan(&c.ID, &c.PlatformType, &c.PlatformConversationID, &codebaseID, &cwd, &c.AIAssistantType, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.CodebaseID = types.CodebaseID(codebaseID.String)
	c.Cwd = cwd.String
	return &c, nil
}

func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, platformType, platformConversationID string) (*types.Conversation, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, platform_type, platform_conversation_id, ai_assistant_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform_type, platform_conversation_id) DO NOTHING`,
		string(types.NewConversationID()), platformType, platformConversationID, s.defaultAssistant, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE platform_type = ? AND platform_conversation_id = ?`,
		platformType, platformConversationID,
	))
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id types.ConversationID) (*types.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, id types.ConversationID, update types.ConversationUpdate) error {
	var (
		sets []string
		args []any
	)
	if update.CodebaseID != nil {
		sets = append(sets, "codebase_id = ?")
		args = append(args, nullString(string(*update.CodebaseID)))
	}
	if update.Cwd != nil {
		sets = append(sets, "cwd = ?")
		args = append(args, nullString(*update.Cwd))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), string(id))

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return mustAffect(res, "update conversation", id)
}

// --- Codebases ---

const codebaseColumns = `id, name, repository_url, default_cwd, ai_assistant_type, commands, created_at, updated_at`

func scanCodebase(row interface{ Scan(...any) error }) (*types.Codebase, error) {
	var (
		cb       types.Codebase
		commands string
	)
	if err := row.Scan(&cb.ID, &cb.Name, &cb.RepositoryURL, &cb.DefaultCwd, &cb.AIAssistantType, &commands, &cb.CreatedAt, &cb.UpdatedAt); err != nil {
		return nil, err
	}
	cb.Commands = make(map[string]types.CommandTemplate)
	if commands != "" {
		if err := json.Unmarshal([]byte(commands), &cb.Commands); err != nil {
			return nil, fmt.Errorf("unmarshal commands for codebase %s: %w", cb.ID, err)
		}
	}
	return &cb, nil
}

func (s *SQLiteStore) CreateCodebase(ctx context.Context, cb *types.Codebase) error {
	if cb.ID == "" {
		cb.ID = types.NewCodebaseID()
	}
	if cb.AIAssistantType == "" {
		cb.AIAssistantType = s.defaultAssistant
	}
	if cb.Commands == nil {
		cb.Commands = make(map[string]types.CommandTemplate)
	}
	commands, err := json.Marshal(cb.Commands)
	if err != nil {
		return fmt.Errorf("marshal commands: %w", err)
	}
	now := time.Now().UTC()
	cb.CreatedAt = now
	cb.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO codebases (`+codebaseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(cb.ID), cb.Name, cb.RepositoryURL, cb.DefaultCwd, cb.AIAssistantType, string(commands), cb.CreatedAt, cb.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create codebase: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCodebase(ctx context.Context, id types.CodebaseID) (*types.Codebase, error) {
	cb, err := scanCodebase(s.db.QueryRowContext(ctx,
		`SELECT `+codebaseColumns+` FROM codebases WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get codebase: %w", err)
	}
	return cb, nil
}

func (s *SQLiteStore) FindCodebaseByRepoURL(ctx context.Context, repoURL string) (*types.Codebase, error) {
	cb, err := scanCodebase(s.db.QueryRowContext(ctx,
		`SELECT `+codebaseColumns+` FROM codebases WHERE repository_url = ? ORDER BY created_at LIMIT 1`, repoURL))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find codebase by repo url: %w", err)
	}
	return cb, nil
}

func (s *SQLiteStore) ListCodebases(ctx context.Context) ([]*types.Codebase, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+codebaseColumns+` FROM codebases ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list codebases: %w", err)
	}
	defer rows.Close()

	var out []*types.Codebase
	for rows.Next() {
		cb, err := scanCodebase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan codebase: %w", err)
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateCodebaseCommands(ctx context.Context, id types.CodebaseID, commands map[string]types.CommandTemplate) error {
	if commands == nil {
		commands = map[string]types.CommandTemplate{}
	}
	data, err := json.Marshal(commands)
	if err != nil {
		return fmt.Errorf("marshal commands: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE codebases SET commands = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), string(id))
	if err != nil {
		return fmt.Errorf("update codebase commands: %w", err)
	}
	return mustAffect(res, "update codebase commands", id)
}

// --- Sessions ---

const sessionColumns = `id, conversation_id, codebase_id, ai_assistant_type, assistant_session_id, active, started_at, ended_at`

func scanSession(row interface{ Scan(...any) error }) (*types.Session, error) {
	var (
		sess       types.Session
		codebaseID sql.NullString
		endedAt    sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.ConversationID, &codebaseID, &sess.AIAssistantType, &sess.AssistantSessionID, &sess.Active, &sess.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	sess.CodebaseID = types.CodebaseID(codebaseID.String)
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}

// CreateSession inserts an active session. A second active session for the
// same conversation fails with ErrSessionState.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *types.Session) error {
	if sess.ID == "" {
		sess.ID = types.SessionID(ulid.Make().String())
	}
	if sess.AIAssistantType == "" {
		sess.AIAssistantType = s.defaultAssistant
	}
	sess.Active = true
	sess.StartedAt = time.Now().UTC()
	sess.EndedAt = nil

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, conversation_id, codebase_id, ai_assistant_type, assistant_session_id, active, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(sess.ID), string(sess.ConversationID), nullString(string(sess.CodebaseID)),
		sess.AIAssistantType, sess.AssistantSessionID, boolToInt(sess.Active), sess.StartedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create session: conversation %s already has an active session: %w", sess.ConversationID, ErrSessionState)
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id types.SessionID) (*types.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetActiveSession(ctx context.Context, conversationID types.ConversationID) (*types.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE conversation_id = ? AND active = 1`, string(conversationID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return sess, nil
}

// UpdateSession records the assistant backend's resume token.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id types.SessionID, assistantSessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET assistant_session_id = ? WHERE id = ?`, assistantSessionID, string(id))
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return mustAffect(res, "update session", id)
}

// DeactivateSession marks the session inactive. Deactivating an inactive
// session is a no-op.
func (s *SQLiteStore) DeactivateSession(ctx context.Context, id types.SessionID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = 0, ended_at = ? WHERE id = ? AND active = 1`, time.Now().UTC(), string(id))
	if err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("deactivate session %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

// ListSessions returns the most recently started sessions first. A limit
// of zero or less returns all sessions.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CountActiveSessions returns the number of active sessions for a conversation.
func (s *SQLiteStore) CountActiveSessions(ctx context.Context, conversationID types.ConversationID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE conversation_id = ? AND active = 1`, string(conversationID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}
