package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/actrun/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork). Acts,
// generations and triggers are kept as JSON documents next to the columns
// used for filtering.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/actrun.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Acts ---

func (s *LibSQLStore) GetAct(ctx context.Context, id string) (*schema.Act, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM acts WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("act", id)
	}
	if err != nil {
		return nil, err
	}
	act := &schema.Act{}
	if err := json.Unmarshal([]byte(doc), act); err != nil {
		return nil, fmt.Errorf("unmarshal act %s: %w", id, err)
	}
	return act, nil
}

func (s *LibSQLStore) SetAct(ctx context.Context, act *schema.Act) error {
	doc, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("marshal act: %w", err)
	}
	var triggerID string
	if act.Trigger != nil {
		triggerID = act.Trigger.ID
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO acts (id, workspace_id, flow_name, trigger_id, status, document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, document=excluded.document, updated_at=excluded.updated_at`,
		act.ID, nullStr(act.WorkspaceID), nullStr(act.FlowName), nullStr(triggerID),
		string(act.Status), string(doc), timeOrNow(act.CreatedAt), timeOrNow(act.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) ListActs(ctx context.Context, filter ActFilter) ([]*schema.Act, error) {
	var where []string
	var args []any

	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.FlowName != "" {
		where = append(where, "flow_name = ?")
		args = append(args, filter.FlowName)
	}
	if filter.TriggerID != "" {
		where = append(where, "trigger_id = ?")
		args = append(args, filter.TriggerID)
	}

	query := `SELECT document FROM acts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	return queryDocuments[schema.Act](ctx, s.db, query, args...)
}

// --- Generations ---

func (s *LibSQLStore) GetGeneration(ctx context.Context, id string) (*schema.Generation, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM generations WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("generation", id)
	}
	if err != nil {
		return nil, err
	}
	gen := &schema.Generation{}
	if err := json.Unmarshal([]byte(doc), gen); err != nil {
		return nil, fmt.Errorf("unmarshal generation %s: %w", id, err)
	}
	return gen, nil
}

func (s *LibSQLStore) SetGeneration(ctx context.Context, gen *schema.Generation) error {
	doc, err := json.Marshal(gen)
	if err != nil {
		return fmt.Errorf("marshal generation: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO generations (id, act_id, status, document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, document=excluded.document, updated_at=excluded.updated_at`,
		gen.ID, nullStr(gen.Context.Origin.ActID), string(gen.Status), string(doc),
		timeOrNow(gen.CreatedAt), timeOrNow(gen.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) ListGenerations(ctx context.Context, actID string) ([]*schema.Generation, error) {
	return queryDocuments[schema.Generation](ctx, s.db,
		`SELECT document FROM generations WHERE act_id = ? ORDER BY created_at, rowid`, actID)
}

// --- Node generation index ---

func (s *LibSQLStore) GetNodeGenerationIndex(ctx context.Context, scope, nodeID string) (*schema.NodeGenerationIndex, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM node_generations WHERE scope = ? AND node_id = ?`, scope, nodeID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node index", scope+"/"+nodeID)
	}
	if err != nil {
		return nil, err
	}
	idx := &schema.NodeGenerationIndex{}
	if err := json.Unmarshal([]byte(doc), idx); err != nil {
		return nil, fmt.Errorf("unmarshal node index: %w", err)
	}
	return idx, nil
}

func (s *LibSQLStore) SetNodeGenerationIndex(ctx context.Context, idx *schema.NodeGenerationIndex) error {
	doc, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("marshal node index: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_generations (scope, node_id, document, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(scope, node_id) DO UPDATE SET document=excluded.document, updated_at=CURRENT_TIMESTAMP`,
		idx.Scope, idx.NodeID, string(doc),
	)
	return err
}

// --- Act events ---

// AppendEvent appends an event with a monotonically increasing per-act sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM act_events WHERE act_id = ?`, event.ActID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO act_events (act_id, sequence_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ActID, nullStr(event.SequenceID), nullStr(event.StepID), event.Type,
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return tx.Commit()
}

// GetEvents returns events for an act with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, actID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, act_id, sequence_id, step_id, event_type, payload, timestamp, sequence
		 FROM act_events WHERE act_id = ? AND sequence > ? ORDER BY sequence`, actID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var seqID, stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ActID, &seqID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.SequenceID = seqID.String
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Triggers ---

func (s *LibSQLStore) CreateTrigger(ctx context.Context, t *schema.Trigger) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers (id, workspace_id, kind, enabled, repository, event_id, document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, nullStr(t.WorkspaceID), string(t.Kind), boolToInt(t.Enabled),
		nullStr(t.Repository()), nullStr(t.EventID()), string(doc), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return storeConflict("trigger", t.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetTrigger(ctx context.Context, id string) (*schema.Trigger, error) {
	return getTrigger(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTrigger(ctx context.Context, q queryRower, id string) (*schema.Trigger, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT document FROM triggers WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("trigger", id)
	}
	if err != nil {
		return nil, err
	}
	t := &schema.Trigger{}
	if err := json.Unmarshal([]byte(doc), t); err != nil {
		return nil, fmt.Errorf("unmarshal trigger %s: %w", id, err)
	}
	return t, nil
}

func (s *LibSQLStore) UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := getTrigger(ctx, tx, id)
	if err != nil {
		return err
	}
	update.Apply(t)
	t.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE triggers SET enabled = ?, document = ?, updated_at = ? WHERE id = ?`,
		boolToInt(t.Enabled), string(doc), t.UpdatedAt, id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*schema.Trigger, error) {
	var where []string
	var args []any

	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Repository != "" {
		where = append(where, "repository = ?")
		args = append(args, filter.Repository)
	}
	if filter.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, filter.EventID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}

	query := `SELECT document FROM triggers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return queryDocuments[schema.Trigger](ctx, s.db, query, args...)
}

func (s *LibSQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func queryDocuments[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal([]byte(doc), v); err != nil {
			return nil, fmt.Errorf("unmarshal document: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
