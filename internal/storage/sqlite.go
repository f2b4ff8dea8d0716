package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for the contact directory,
// preferences, interaction log, conversation history, approvals, and
// the background job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database
// (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "kindred.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Profiles ---

func (s *Store) SaveProfile(p ProfileRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO profiles (user_id, name, industry, role, seniority, interests, goals, contact, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name = excluded.name, industry = excluded.industry, role = excluded.role,
			seniority = excluded.seniority, interests = excluded.interests,
			goals = excluded.goals, contact = excluded.contact, updated_at = excluded.updated_at`,
		p.UserID, p.Name, p.Industry, p.Role, p.Seniority,
		orJSON(p.Interests, "[]"), orJSON(p.Goals, "[]"), orJSON(p.Contact, "{}"),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetProfile(userID string) (ProfileRecord, error) {
	var p ProfileRecord
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT user_id, name, industry, role, seniority, interests, goals, contact, updated_at
		FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.Name, &p.Industry, &p.Role, &p.Seniority, &p.Interests, &p.Goals, &p.Contact, &updatedAt)
	if err == sql.ErrNoRows {
		return ProfileRecord{}, ErrNotFound
	}
	if err != nil {
		return ProfileRecord{}, err
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return ProfileRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

func (s *Store) ListProfiles(limit, offset int) ([]ProfileRecord, error) {
	rows, err := s.db.Query(`
		SELECT user_id, name, industry, role, seniority, interests, goals, contact, updated_at
		FROM profiles ORDER BY user_id ASC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ProfileRecord
	for rows.Next() {
		var p ProfileRecord
		var updatedAt string
		if err := rows.Scan(&p.UserID, &p.Name, &p.Industry, &p.Role, &p.Seniority, &p.Interests, &p.Goals, &p.Contact, &updatedAt); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

func (s *Store) DeleteProfile(userID string) error {
	res, err := s.db.Exec(`DELETE FROM profiles WHERE user_id = ?`, userID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// --- Preferences ---

func (s *Store) SavePreferences(p PreferenceRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO preferences (user_id, threshold, permissions, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			threshold = excluded.threshold, permissions = excluded.permissions,
			updated_at = excluded.updated_at`,
		p.UserID, p.Threshold, orJSON(p.Permissions, "{}"),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetPreferences returns ErrNotFound when no record exists; callers
// translate that into defaults, never into a failure.
func (s *Store) GetPreferences(userID string) (PreferenceRecord, error) {
	var p PreferenceRecord
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT user_id, threshold, permissions, updated_at
		FROM preferences WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.Threshold, &p.Permissions, &updatedAt)
	if err == sql.ErrNoRows {
		return PreferenceRecord{}, ErrNotFound
	}
	if err != nil {
		return PreferenceRecord{}, err
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return PreferenceRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

// --- Interaction log ---

func (s *Store) AppendInteraction(i Interaction) error {
	createdAt := i.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO interactions (id, user_id, other_user_id, action_type, outcome, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.UserID, i.OtherUserID, i.ActionType, i.Outcome,
		orJSON(i.Metadata, "{}"), createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetInteraction(id string) (Interaction, error) {
	var i Interaction
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, other_user_id, action_type, outcome, metadata, created_at
		FROM interactions WHERE id = ?`, id,
	).Scan(&i.ID, &i.UserID, &i.OtherUserID, &i.ActionType, &i.Outcome, &i.Metadata, &createdAt)
	if err == sql.ErrNoRows {
		return Interaction{}, ErrNotFound
	}
	if err != nil {
		return Interaction{}, err
	}
	if i.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Interaction{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return i, nil
}

// ListInteractions returns interactions newest first. An empty userID
// means no user filter.
func (s *Store) ListInteractions(userID string, limit, offset int) ([]Interaction, error) {
	query := `
		SELECT id, user_id, other_user_id, action_type, outcome, metadata, created_at
		FROM interactions`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Interaction
	for rows.Next() {
		var i Interaction
		var createdAt string
		if err := rows.Scan(&i.ID, &i.UserID, &i.OtherUserID, &i.ActionType, &i.Outcome, &i.Metadata, &createdAt); err != nil {
			return nil, err
		}
		if i.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, i)
	}
	return results, rows.Err()
}

// --- Conversation history ---

func (s *Store) AppendConversationMessage(m ConversationMessage) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO conversation_messages (id, conversation_id, sender_id, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Content,
		orJSON(m.Metadata, "{}"), createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ConversationHistory returns the messages of a conversation, oldest
// first, capped at limit. An unknown conversation id yields an empty
// history, not an error — a first contact has no history yet.
func (s *Store) ConversationHistory(conversationID string, limit int) ([]ConversationMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, sender_id, content, metadata, created_at
		FROM conversation_messages WHERE conversation_id = ?
		ORDER BY created_at ASC LIMIT ?`, conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Metadata, &createdAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// --- Approvals ---

func (s *Store) SaveApproval(a Approval) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := a.Status
	if status == "" {
		status = ApprovalPending
	}
	_, err := s.db.Exec(`
		INSERT INTO approvals (id, user_id, other_user_id, action_type, draft, match_score, match_reason, status, context, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.OtherUserID, a.ActionType, a.Draft, a.MatchScore, a.MatchReason,
		status, orJSON(a.Context, "{}"),
		createdAt.UTC().Format(time.RFC3339), a.ExpiresAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetApproval(id string) (Approval, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, other_user_id, action_type, draft, match_score, match_reason, status, context, created_at, expires_at
		FROM approvals WHERE id = ?`, id,
	)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return Approval{}, ErrNotFound
	}
	return a, err
}

func (s *Store) ListApprovals(userID, status string, limit int) ([]Approval, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, other_user_id, action_type, draft, match_score, match_reason, status, context, created_at, expires_at
		FROM approvals WHERE user_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT ?`, userID, status, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// UpdateApprovalStatus transitions a pending approval to the given
// status. Returns ErrNotFound when the approval does not exist or is
// no longer pending, so a verdict cannot be applied twice.
func (s *Store) UpdateApprovalStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE approvals SET status = ? WHERE id = ? AND status = ?`,
		status, id, ApprovalPending)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ExpireStaleApprovals marks pending approvals past their expiry as
// expired and returns how many were transitioned.
func (s *Store) ExpireStaleApprovals(now time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE approvals SET status = ? WHERE status = ? AND expires_at <= ?`,
		ApprovalExpired, ApprovalPending, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (Approval, error) {
	var a Approval
	var createdAt, expiresAt string
	err := row.Scan(&a.ID, &a.UserID, &a.OtherUserID, &a.ActionType, &a.Draft,
		&a.MatchScore, &a.MatchReason, &a.Status, &a.Context, &createdAt, &expiresAt)
	if err != nil {
		return Approval{}, err
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Approval{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return Approval{}, fmt.Errorf("parsing expires_at: %w", err)
	}
	return a, nil
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, orJSON(job.PayloadJSON, "{}"), maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob atomically claims the oldest runnable pending job of the
// given types. Returns (nil, nil) when nothing is runnable.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt string
	var updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// FailJob records a failure; the job is retried with exponential
// backoff until max_attempts is exhausted, then marked failed.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// orJSON substitutes fallback for an empty JSON column value.
func orJSON(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
