package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/memnexus/memnexus/internal/common/errors"
	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/memory"
)

const timestampLayout = time.RFC3339Nano

// SQLiteStore is the default, embedded C1 adapter: a single SQLite database
// holding the one durable table described by the persisted-state layout.
type SQLiteStore struct {
	db       *sql.DB
	embedder Embedder
	log      *logger.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and migrates) a SQLite-backed memory store. SQLite
// permits only one writer at a time, so the pool is capped accordingly.
func NewSQLiteStore(dbPath string, embedder Embedder, log *logger.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, errors.NewStoreUnavailable("failed to open sqlite memory store", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, embedder: embedder, log: log.WithFields()}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.NewStoreUnavailable("failed to initialize memory schema", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS memory_records (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		source TEXT NOT NULL,
		session_id TEXT NOT NULL,
		memory_type TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		timestamp TEXT NOT NULL,
		vector TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_records_session ON memory_records(session_id);
	CREATE INDEX IF NOT EXISTS idx_memory_records_session_ts ON memory_records(session_id, timestamp DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Add(ctx context.Context, record *memory.Record) (string, error) {
	if err := validateRecord(record); err != nil {
		return "", err
	}
	if record.ID == "" {
		record.ID = uuid.New().String()[:8]
	}
	record.Timestamp = newTimestamp()

	vector := record.Embedding
	if vector == nil {
		if s.embedder != nil {
			v, err := s.embedder.Embed(ctx, record.Content)
			if err != nil {
				return "", errors.NewStoreUnavailable("embedding failed", err)
			}
			vector = v
		} else {
			vector = make([]float32, memory.EmbeddingDim)
		}
	}
	record.Embedding = vector

	metaJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return "", errors.NewInvalidRecord("metadata is not JSON-serializable")
	}
	vecJSON, err := json.Marshal(vector)
	if err != nil {
		return "", errors.NewInvalidRecord("embedding is not serializable")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_records (id, content, source, session_id, memory_type, metadata, timestamp, vector)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Content, record.Source, record.SessionID, string(record.Type),
		string(metaJSON), record.Timestamp.Format(timestampLayout), string(vecJSON),
	)
	if err != nil {
		return "", errors.NewStoreUnavailable("failed to insert memory record", err)
	}
	return record.ID, nil
}

func (s *SQLiteStore) Search(ctx context.Context, queryText string, limit int, sessionFilter string, typeFilter memory.RecordType) ([]memory.Record, error) {
	records, err := s.queryFiltered(ctx, sessionFilter, typeFilter)
	if err != nil {
		return nil, err
	}

	if s.embedder == nil {
		// No embedder: degenerate to a chronological filter (most recent first).
		sortDescByTimestamp(records)
		return truncate(records, limit), nil
	}

	queryVec, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, errors.NewStoreUnavailable("embedding query failed", err)
	}

	scored := make([]scored, 0, len(records))
	for _, r := range records {
		vec := r.Embedding
		if isZeroVector(vec) {
			scored = append(scored, scored_(r, 1))
			continue
		}
		scored = append(scored, scored_(r, cosineDistance(queryVec, vec)))
	}
	sortByDistanceThenRecency(scored)

	out := make([]memory.Record, 0, len(scored))
	for _, sc := range scored {
		out = append(out, sc.record)
	}
	return truncate(out, limit), nil
}

func scored_(r memory.Record, d float64) scored { return scored{record: r, distance: d} }

func (s *SQLiteStore) BySession(ctx context.Context, sessionID string, typeFilter memory.RecordType, limit int) ([]memory.Record, error) {
	records, err := s.queryFiltered(ctx, sessionID, typeFilter)
	if err != nil {
		return nil, err
	}
	sortDescByTimestamp(records)
	return truncate(records, limit), nil
}

func (s *SQLiteStore) queryFiltered(ctx context.Context, sessionFilter string, typeFilter memory.RecordType) ([]memory.Record, error) {
	query := `SELECT id, content, source, session_id, memory_type, metadata, timestamp, vector FROM memory_records WHERE 1=1`
	var args []any
	if sessionFilter != "" {
		query += " AND session_id = ?"
		args = append(args, sessionFilter)
	}
	if typeFilter != "" {
		query += " AND memory_type = ?"
		args = append(args, string(typeFilter))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStoreUnavailable("failed to query memory records", err)
	}
	defer rows.Close()

	var records []memory.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.NewStoreUnavailable("failed to scan memory record", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (memory.Record, error) {
	var rec memory.Record
	var metaJSON, vecJSON, ts, typ string
	if err := rows.Scan(&rec.ID, &rec.Content, &rec.Source, &rec.SessionID, &typ, &metaJSON, &ts, &vecJSON); err != nil {
		return rec, err
	}
	rec.Type = memory.RecordType(typ)
	_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
	_ = json.Unmarshal([]byte(vecJSON), &rec.Embedding)
	t, err := parseTimestamp(ts)
	if err != nil {
		return rec, err
	}
	rec.Timestamp = t
	return rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE id = ?`, id)
	if err != nil {
		return false, errors.NewStoreUnavailable("failed to delete memory record", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ClearSession(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, errors.NewStoreUnavailable("failed to clear session memory", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (memory.StoreStats, error) {
	stats := memory.StoreStats{TypeCounts: map[string]int{}}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records`)
	if err := row.Scan(&stats.Total); err != nil {
		return stats, errors.NewStoreUnavailable("failed to count memory records", err)
	}

	row = s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT session_id) FROM memory_records`)
	if err := row.Scan(&stats.Sessions); err != nil {
		return stats, errors.NewStoreUnavailable("failed to count sessions", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT memory_type, COUNT(*) FROM memory_records GROUP BY memory_type`)
	if err != nil {
		return stats, errors.NewStoreUnavailable("failed to aggregate type counts", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return stats, errors.NewStoreUnavailable("failed to scan type counts", err)
		}
		stats.TypeCounts[typ] = count
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func truncate(records []memory.Record, limit int) []memory.Record {
	if limit <= 0 || limit >= len(records) {
		return records
	}
	return records[:limit]
}

func sortDescByTimestamp(records []memory.Record) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].Timestamp.After(records[j-1].Timestamp); j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}
