// Package archive implements the content-addressed, hash-chained,
// daily-partitioned Raw Archive. Every event is appended
// to a day-partition JSONL file and indexed into SQLite (with an FTS5
// mirror of interpreted text) so later reads never have to scan a
// whole day's history.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lmtlss/soulmemory/internal/identity"
	"github.com/lmtlss/soulmemory/internal/jsonlpart"
	"github.com/lmtlss/soulmemory/internal/soulerr"
)

// Store is the Archive Store. It is safe for concurrent readers, but
// AppendEvent is serialized internally: the Archive is sole-writer per
// process.
type Store struct {
	db   *sql.DB
	part *jsonlpart.Store

	mu  sync.Mutex
	seq int64
}

// Open opens (creating if needed) the archive at dir, containing
// archive.db and the day-partition JSONL files.
func Open(dir string) (*Store, error) {
	db, err := openDB(dir + "/archive.db")
	if err != nil {
		return nil, soulerr.New(soulerr.IO, "archive.Open", err)
	}
	part, err := jsonlpart.NewStore(dir)
	if err != nil {
		_ = db.Close()
		return nil, soulerr.New(soulerr.IO, "archive.Open", err)
	}

	var maxSeq sql.NullInt64
	if err := db.QueryRow("SELECT MAX(sequence) FROM events").Scan(&maxSeq); err != nil {
		_ = db.Close()
		return nil, soulerr.New(soulerr.IO, "archive.Open", fmt.Errorf("load max sequence: %w", err))
	}

	s := &Store{db: db, part: part, seq: maxSeq.Int64}

	// Replay any partition lines left unindexed by a crash between the
	// JSONL append and the index commit.
	days, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		_ = s.Close()
		return nil, soulerr.New(soulerr.IO, "archive.Open", err)
	}
	for _, f := range days {
		if _, err := s.Recover(context.Background(), strings.TrimSuffix(filepath.Base(f), ".jsonl")); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the store's database and partition file handles.
func (s *Store) Close() error {
	if err := s.part.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

// AppendEvent normalizes the event type, enforces world-action gating,
// computes the content-addressed hash, appends it durably to its day
// partition, and indexes it.
func (s *Store) AppendEvent(
	ctx context.Context,
	parentHash *string,
	timestamp time.Time,
	sessionKey, eventType, agentID string,
	model, channel, peer *string,
	payload json.RawMessage,
) (Event, error) {
	if err := identity.ValidateSessionKey(sessionKey); err != nil {
		return Event{}, soulerr.New(soulerr.Validation, "archive.AppendEvent", err)
	}

	normalizedType := NormalizeEventType(eventType)
	if !IsCanonicalType(normalizedType) {
		return Event{}, soulerr.New(soulerr.Validation, "archive.AppendEvent",
			fmt.Errorf("unknown event type %q", eventType))
	}
	if err := CheckWorldActionGate(normalizedType, payload); err != nil {
		return Event{}, soulerr.New(soulerr.Policy, "archive.AppendEvent", err)
	}

	ts := timestamp.UTC().Format(time.RFC3339Nano)
	hash, err := ComputeHash(parentHash, ts, normalizedType, agentID, payload)
	if err != nil {
		return Event{}, soulerr.New(soulerr.IO, "archive.AppendEvent", err)
	}

	event := Event{
		EventHash:  hash,
		ParentHash: parentHash,
		Timestamp:  ts,
		SessionKey: sessionKey,
		EventType:  normalizedType,
		AgentID:    agentID,
		Model:      model,
		Channel:    channel,
		Peer:       peer,
		Payload:    payload,
	}

	day, err := DayPartition(ts)
	if err != nil {
		return Event{}, soulerr.New(soulerr.IO, "archive.AppendEvent", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := json.Marshal(event)
	if err != nil {
		return Event{}, soulerr.New(soulerr.IO, "archive.AppendEvent", err)
	}

	// The JSONL append is fsynced before we touch the index, so a crash
	// between the two leaves the file strictly ahead of the index —
	// Recover() reconciles that gap on next Open.
	line, err := s.part.Append(day, record)
	if err != nil {
		return Event{}, soulerr.New(soulerr.IO, "archive.AppendEvent", err)
	}
	event.PayloadFile = day + ".jsonl"
	event.PayloadLine = line

	if err := s.indexEvent(ctx, event); err != nil {
		// Retry once: the index insert may have failed transiently
		// (e.g. a momentarily busy database); the JSONL line is
		// already durable so a retry is safe and idempotent via the
		// event_hash primary key.
		if retryErr := s.indexEvent(ctx, event); retryErr != nil {
			return Event{}, soulerr.New(soulerr.IO, "archive.AppendEvent", retryErr)
		}
	}

	s.seq++
	return event, nil
}

func (s *Store) indexEvent(ctx context.Context, e Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	seq := s.seq + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (event_hash, parent_hash, sequence, timestamp, session_key,
		                     event_type, agent_id, model, channel, peer, payload_file, payload_line)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.EventHash, nullableStr(e.ParentHash), seq, e.Timestamp, e.SessionKey,
		e.EventType, e.AgentID, nullableStr(e.Model), nullableStr(e.Channel), nullableStr(e.Peer),
		e.PayloadFile, e.PayloadLine)
	if err != nil {
		return fmt.Errorf("insert event index row: %w", err)
	}

	if text, ok := extractText(e.Payload); ok {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events_fts (event_hash, text) VALUES (?, ?)`, e.EventHash, text); err != nil {
			return fmt.Errorf("insert fts row: %w", err)
		}
	}

	return tx.Commit()
}

func extractText(payload json.RawMessage) (string, bool) {
	var v struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &v); err != nil || v.Text == "" {
		return "", false
	}
	return v.Text, true
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// hydrate resolves an index row's payload from its day partition and
// verifies both the line's stored event_hash matches the index
// (line-integrity check) and the recomputed hash matches as well
// (content-integrity check).
func (s *Store) hydrate(row eventRow) (Event, error) {
	raw, err := s.part.ReadLine(strings.TrimSuffix(row.payloadFile(), ".jsonl"), row.PayloadLine)
	if err != nil {
		return Event{}, soulerr.New(soulerr.IO, "archive.hydrate", err)
	}

	var stored Event
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Event{}, soulerr.New(soulerr.Corruption, "archive.hydrate", fmt.Errorf("unmarshal stored line: %w", err))
	}

	if stored.EventHash != row.EventHash {
		return Event{}, soulerr.New(soulerr.Corruption, "archive.hydrate",
			fmt.Errorf("line hash %q does not match index hash %q", stored.EventHash, row.EventHash))
	}

	recomputed, err := stored.Recompute()
	if err != nil {
		return Event{}, soulerr.New(soulerr.Corruption, "archive.hydrate", err)
	}
	if recomputed != stored.EventHash {
		return Event{}, soulerr.New(soulerr.Corruption, "archive.hydrate",
			fmt.Errorf("recomputed hash %q does not match stored hash %q", recomputed, stored.EventHash))
	}

	stored.PayloadFile = row.payloadFile()
	stored.PayloadLine = row.PayloadLine
	return stored, nil
}

// eventRow is the raw scan target for an events index row: the index's
// view of an event, before its payload has been hydrated from the
// day-partition file.
type eventRow struct {
	EventHash   string
	ParentHash  *string
	Timestamp   string
	SessionKey  string
	EventType   string
	AgentID     string
	Model       *string
	Channel     *string
	Peer        *string
	PayloadFile string
	PayloadLine int64
}

func (r eventRow) payloadFile() string { return r.PayloadFile }

func (s *Store) scanRow(rows *sql.Rows) (eventRow, error) {
	var (
		r          eventRow
		parentHash sql.NullString
		model      sql.NullString
		channel    sql.NullString
		peer       sql.NullString
	)
	if err := rows.Scan(&r.EventHash, &parentHash, &r.Timestamp, &r.SessionKey,
		&r.EventType, &r.AgentID, &model, &channel, &peer, &r.PayloadFile, &r.PayloadLine); err != nil {
		return eventRow{}, fmt.Errorf("scan event row: %w", err)
	}
	if parentHash.Valid {
		v := parentHash.String
		r.ParentHash = &v
	}
	if model.Valid {
		v := model.String
		r.Model = &v
	}
	if channel.Valid {
		v := channel.String
		r.Channel = &v
	}
	if peer.Valid {
		v := peer.String
		r.Peer = &v
	}
	return r, nil
}

const selectColumns = `event_hash, parent_hash, timestamp, session_key, event_type, agent_id, model, channel, peer, payload_file, payload_line`

// GetByHash returns the event with the given hash, or (Event{}, false, nil)
// if it does not exist.
func (s *Store) GetByHash(ctx context.Context, hash string) (Event, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM events WHERE event_hash = ?`, hash)
	if err != nil {
		return Event{}, false, soulerr.New(soulerr.IO, "archive.GetByHash", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Event{}, false, nil
	}
	row, err := s.scanRow(rows)
	if err != nil {
		return Event{}, false, soulerr.New(soulerr.IO, "archive.GetByHash", err)
	}
	event, err := s.hydrate(row)
	if err != nil {
		return Event{}, false, err
	}
	return event, true, nil
}

// GetBySession returns every event for sessionKey, ordered by timestamp.
func (s *Store) GetBySession(ctx context.Context, sessionKey string) ([]Event, error) {
	return s.query(ctx,
		`SELECT `+selectColumns+` FROM events WHERE session_key = ? ORDER BY timestamp ASC, sequence ASC`,
		sessionKey)
}

// GetByTimeRange returns events with start <= timestamp <= end, ordered
// by timestamp ascending.
func (s *Store) GetByTimeRange(ctx context.Context, start, end time.Time) ([]Event, error) {
	return s.query(ctx,
		`SELECT `+selectColumns+` FROM events WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp ASC, sequence ASC`,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
}

// GetRecent returns up to limit events, newest-first by timestamp, tied
// stably by insertion order (sequence).
func (s *Store) GetRecent(ctx context.Context, limit int) ([]Event, error) {
	return s.query(ctx,
		`SELECT `+selectColumns+` FROM events ORDER BY timestamp DESC, sequence DESC LIMIT ?`,
		limit)
}

// GetRecentForAgent is GetRecent filtered to a single agent_id.
func (s *Store) GetRecentForAgent(ctx context.Context, agentID string, limit int) ([]Event, error) {
	return s.query(ctx,
		`SELECT `+selectColumns+` FROM events WHERE agent_id = ? ORDER BY timestamp DESC, sequence DESC LIMIT ?`,
		agentID, limit)
}

func (s *Store) query(ctx context.Context, sqlQuery string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, soulerr.New(soulerr.IO, "archive.query", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		row, err := s.scanRow(rows)
		if err != nil {
			return nil, soulerr.New(soulerr.IO, "archive.query", err)
		}
		event, err := s.hydrate(row)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, soulerr.New(soulerr.IO, "archive.query", err)
	}
	return events, nil
}

// SearchText runs an FTS5 match over mirrored payload text, returning
// matching event hashes ranked by FTS score.
func (s *Store) SearchText(ctx context.Context, query string, limit int) ([]string, error) {
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_hash FROM events_fts WHERE events_fts MATCH ? ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, soulerr.New(soulerr.IO, "archive.SearchText", err)
	}
	defer func() { _ = rows.Close() }()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, soulerr.New(soulerr.IO, "archive.SearchText", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// Count returns the total number of indexed events (archive size, used
// by the Circulation presence probe).
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, soulerr.New(soulerr.IO, "archive.Count", err)
	}
	return n, nil
}

// Recover reconciles day's partition against the index: any JSONL lines
// past the highest indexed payload_line for that day (a crash between
// the JSONL append and the index commit) are replayed into the index.
func (s *Store) Recover(ctx context.Context, day string) (recovered int, err error) {
	var maxLine sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(payload_line) FROM events WHERE payload_file = ?`, day+".jsonl").Scan(&maxLine); err != nil {
		return 0, soulerr.New(soulerr.IO, "archive.Recover", err)
	}

	gap, err := s.part.Recover(day, maxLine.Int64)
	if err != nil {
		return 0, soulerr.New(soulerr.IO, "archive.Recover", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, raw := range gap {
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return recovered, soulerr.New(soulerr.Corruption, "archive.Recover", err)
		}
		e.PayloadFile = day + ".jsonl"
		e.PayloadLine = maxLine.Int64 + int64(i) + 1
		if err := s.indexEvent(ctx, e); err != nil {
			return recovered, soulerr.New(soulerr.IO, "archive.Recover", err)
		}
		s.seq++
		recovered++
	}
	return recovered, nil
}

// Checkpoint flushes the write-ahead log state.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return soulerr.New(soulerr.IO, "archive.Checkpoint", err)
	}
	return nil
}

// Optimize performs compaction and statistics refresh.
func (s *Store) Optimize(ctx context.Context) error {
	for _, stmt := range []string{`PRAGMA optimize`, `ANALYZE`, `VACUUM`} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return soulerr.New(soulerr.IO, "archive.Optimize", fmt.Errorf("%s: %w", stmt, err))
		}
	}
	return nil
}
