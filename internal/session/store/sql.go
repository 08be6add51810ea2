package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentplane/agentplane/internal/db"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

type sqlStore struct {
	pool *db.Pool
}

var _ Store = (*sqlStore)(nil)

// New creates a Store on the given connection pool and initializes the
// schema.
func New(pool *db.Pool) (Store, error) {
	s := &sqlStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *sqlStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		architecture TEXT NOT NULL,
		profile_ref TEXT NOT NULL DEFAULT '',
		options TEXT,
		created_at TIMESTAMP NOT NULL,
		last_activity TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transcripts (
		session_id TEXT NOT NULL,
		subagent_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, subagent_id)
	);

	CREATE TABLE IF NOT EXISTS workspace_files (
		session_id TEXT NOT NULL,
		path TEXT NOT NULL,
		content TEXT,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, path)
	);

	CREATE TABLE IF NOT EXISTS agent_profiles (
		identifier TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

func (s *sqlStore) Close() error {
	return s.pool.Close()
}

func (s *sqlStore) CreateSessionRecord(ctx context.Context, record *v1.SessionRecord) error {
	if record == nil || record.SessionID == "" {
		return fmt.Errorf("session record requires an id")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.LastActivity.IsZero() {
		record.LastActivity = now
	}
	options, err := marshalOptions(record.SessionOptions)
	if err != nil {
		return err
	}

	writer := s.pool.Writer()
	_, err = writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO sessions (id, architecture, profile_ref, options, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`), record.SessionID, string(record.Architecture), record.ProfileRef, options, record.CreatedAt, record.LastActivity)
	return err
}

func (s *sqlStore) UpdateSessionRecord(ctx context.Context, sessionID string, patch RecordPatch) error {
	writer := s.pool.Writer()

	if patch.SessionOptions != nil {
		options, err := marshalOptions(patch.SessionOptions)
		if err != nil {
			return err
		}
		res, err := writer.ExecContext(ctx, writer.Rebind(`
			UPDATE sessions SET options = ? WHERE id = ?
		`), options, sessionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
	}

	if patch.LastActivity {
		res, err := writer.ExecContext(ctx, writer.Rebind(`
			UPDATE sessions SET last_activity = ? WHERE id = ?
		`), time.Now().UTC(), sessionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (s *sqlStore) LoadSession(ctx context.Context, sessionID string) (*v1.PersistedSession, error) {
	reader := s.pool.Reader()

	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT id, architecture, profile_ref, options, created_at, last_activity
		FROM sessions WHERE id = ?
	`), sessionID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	persisted := &v1.PersistedSession{Record: *record}

	rows, err := reader.QueryContext(ctx, reader.Rebind(`
		SELECT subagent_id, content FROM transcripts
		WHERE session_id = ? ORDER BY subagent_id ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var subagentID, content string
		if err := rows.Scan(&subagentID, &content); err != nil {
			return nil, err
		}
		if subagentID == "" {
			persisted.MainTranscript = content
		} else {
			persisted.Subagents = append(persisted.Subagents, v1.SubagentTranscript{
				ID:      subagentID,
				Content: content,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fileRows, err := reader.QueryContext(ctx, reader.Rebind(`
		SELECT path, content FROM workspace_files
		WHERE session_id = ? ORDER BY path ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = fileRows.Close()
	}()
	for fileRows.Next() {
		var path string
		var content sql.NullString
		if err := fileRows.Scan(&path, &content); err != nil {
			return nil, err
		}
		file := v1.WorkspaceFile{Path: path}
		if content.Valid {
			value := content.String
			file.Content = &value
		}
		persisted.WorkspaceFiles = append(persisted.WorkspaceFiles, file)
	}
	if err := fileRows.Err(); err != nil {
		return nil, err
	}

	return persisted, nil
}

func (s *sqlStore) ListAllSessions(ctx context.Context) ([]*v1.SessionRecord, error) {
	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx, `
		SELECT id, architecture, profile_ref, options, created_at, last_activity
		FROM sessions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []*v1.SessionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *sqlStore) SaveTranscript(ctx context.Context, sessionID, subagentID, content string) error {
	writer := s.pool.Writer()
	query := fmt.Sprintf(`
		INSERT INTO transcripts (session_id, subagent_id, content, updated_at)
		VALUES (?, ?, ?, %s)
		%s`, db.Now(s.pool.DriverName()), db.Upsert("session_id, subagent_id", "content", "updated_at"))
	_, err := writer.ExecContext(ctx, writer.Rebind(query), sessionID, subagentID, content)
	return err
}

func (s *sqlStore) SaveWorkspaceFile(ctx context.Context, sessionID string, file v1.WorkspaceFile) error {
	var content sql.NullString
	if file.Content != nil {
		content = sql.NullString{String: *file.Content, Valid: true}
	}
	writer := s.pool.Writer()
	query := fmt.Sprintf(`
		INSERT INTO workspace_files (session_id, path, content, updated_at)
		VALUES (?, ?, ?, %s)
		%s`, db.Now(s.pool.DriverName()), db.Upsert("session_id, path", "content", "updated_at"))
	_, err := writer.ExecContext(ctx, writer.Rebind(query), sessionID, file.Path, content)
	return err
}

func (s *sqlStore) DeleteWorkspaceFile(ctx context.Context, sessionID, path string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		DELETE FROM workspace_files WHERE session_id = ? AND path = ?
	`), sessionID, path)
	return err
}

func (s *sqlStore) DestroySessionRecord(ctx context.Context, sessionID string) error {
	writer := s.pool.Writer()
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range []string{
		`DELETE FROM workspace_files WHERE session_id = ?`,
		`DELETE FROM transcripts WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(stmt), sessionID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) SaveAgentProfile(ctx context.Context, profile *v1.AgentProfile) error {
	if profile == nil || profile.Identifier == "" {
		return fmt.Errorf("agent profile requires an identifier")
	}
	document, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	writer := s.pool.Writer()
	query := fmt.Sprintf(`
		INSERT INTO agent_profiles (identifier, document, updated_at)
		VALUES (?, ?, %s)
		%s`, db.Now(s.pool.DriverName()), db.Upsert("identifier", "document", "updated_at"))
	_, err = writer.ExecContext(ctx, writer.Rebind(query), profile.Identifier, string(document))
	return err
}

func (s *sqlStore) LoadAgentProfile(ctx context.Context, identifier string) (*v1.AgentProfile, error) {
	reader := s.pool.Reader()
	var document string
	err := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT document FROM agent_profiles WHERE identifier = ?
	`), identifier).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var profile v1.AgentProfile
	if err := json.Unmarshal([]byte(document), &profile); err != nil {
		return nil, fmt.Errorf("corrupt profile document %q: %w", identifier, err)
	}
	return &profile, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*v1.SessionRecord, error) {
	record := &v1.SessionRecord{}
	var architecture string
	var options sql.NullString
	if err := scanner.Scan(
		&record.SessionID,
		&architecture,
		&record.ProfileRef,
		&options,
		&record.CreatedAt,
		&record.LastActivity,
	); err != nil {
		return nil, err
	}
	record.Architecture = v1.Architecture(architecture)
	if options.Valid && options.String != "" {
		if err := json.Unmarshal([]byte(options.String), &record.SessionOptions); err != nil {
			return nil, fmt.Errorf("corrupt session options: %w", err)
		}
	}
	return record, nil
}

func marshalOptions(options map[string]any) (sql.NullString, error) {
	if len(options) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(options)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
