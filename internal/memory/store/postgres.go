package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/memnexus/memnexus/internal/common/errors"
	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/memory"
)

// PostgresStore is the shared-deployment C1 adapter: a Postgres-backed
// memory store reached through database/sql over the pgx/stdlib driver,
// for multi-instance deployments that can't use an embedded SQLite file.
type PostgresStore struct {
	db       *sql.DB
	embedder Embedder
	log      *logger.Logger
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres opens a connection pool against dsn and returns a ready store.
func OpenPostgres(ctx context.Context, dsn string, maxConns, minConns int, embedder Embedder, log *logger.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.NewStoreUnavailable("failed to open postgres memory store", err)
	}
	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewStoreUnavailable("failed to reach postgres", err)
	}

	s := &PostgresStore{db: db, embedder: embedder, log: log.WithFields()}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, errors.NewStoreUnavailable("failed to initialize memory schema", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS memory_records (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		source TEXT NOT NULL,
		session_id TEXT NOT NULL,
		memory_type TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		timestamp TIMESTAMPTZ NOT NULL,
		vector JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_records_session ON memory_records(session_id);
	CREATE INDEX IF NOT EXISTS idx_memory_records_session_ts ON memory_records(session_id, timestamp DESC);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) Add(ctx context.Context, record *memory.Record) (string, error) {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, record.Content, record.Source, record.SessionID, string(record.Type),
		string(metaJSON), record.Timestamp, string(vecJSON),
	)
	if err != nil {
		return "", errors.NewStoreUnavailable("failed to insert memory record", err)
	}
	return record.ID, nil
}

func (s *PostgresStore) Search(ctx context.Context, queryText string, limit int, sessionFilter string, typeFilter memory.RecordType) ([]memory.Record, error) {
	records, err := s.queryFiltered(ctx, sessionFilter, typeFilter)
	if err != nil {
		return nil, err
	}

	if s.embedder == nil {
		sortDescByTimestamp(records)
		return truncate(records, limit), nil
	}

	queryVec, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, errors.NewStoreUnavailable("embedding query failed", err)
	}

	scoredRecords := make([]scored, 0, len(records))
	for _, r := range records {
		if isZeroVector(r.Embedding) {
			scoredRecords = append(scoredRecords, scored{record: r, distance: 1})
			continue
		}
		scoredRecords = append(scoredRecords, scored{record: r, distance: cosineDistance(queryVec, r.Embedding)})
	}
	sortByDistanceThenRecency(scoredRecords)

	out := make([]memory.Record, 0, len(scoredRecords))
	for _, sc := range scoredRecords {
		out = append(out, sc.record)
	}
	return truncate(out, limit), nil
}

func (s *PostgresStore) BySession(ctx context.Context, sessionID string, typeFilter memory.RecordType, limit int) ([]memory.Record, error) {
	records, err := s.queryFiltered(ctx, sessionID, typeFilter)
	if err != nil {
		return nil, err
	}
	sortDescByTimestamp(records)
	return truncate(records, limit), nil
}

func (s *PostgresStore) queryFiltered(ctx context.Context, sessionFilter string, typeFilter memory.RecordType) ([]memory.Record, error) {
	query := `SELECT id, content, source, session_id, memory_type, metadata, timestamp, vector FROM memory_records WHERE 1=1`
	var args []any
	n := 1
	if sessionFilter != "" {
		query += fmt.Sprintf(" AND session_id = $%d", n)
		args = append(args, sessionFilter)
		n++
	}
	if typeFilter != "" {
		query += fmt.Sprintf(" AND memory_type = $%d", n)
		args = append(args, string(typeFilter))
		n++
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStoreUnavailable("failed to query memory records", err)
	}
	defer rows.Close()

	var records []memory.Record
	for rows.Next() {
		var rec memory.Record
		var metaJSON, vecJSON, typ string
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.Source, &rec.SessionID, &typ, &metaJSON, &rec.Timestamp, &vecJSON); err != nil {
			return nil, errors.NewStoreUnavailable("failed to scan memory record", err)
		}
		rec.Type = memory.RecordType(typ)
		_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
		_ = json.Unmarshal([]byte(vecJSON), &rec.Embedding)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE id = $1`, id)
	if err != nil {
		return false, errors.NewStoreUnavailable("failed to delete memory record", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) ClearSession(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, errors.NewStoreUnavailable("failed to clear session memory", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (memory.StoreStats, error) {
	stats := memory.StoreStats{TypeCounts: map[string]int{}}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records`).Scan(&stats.Total); err != nil {
		return stats, errors.NewStoreUnavailable("failed to count memory records", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT session_id) FROM memory_records`).Scan(&stats.Sessions); err != nil {
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

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
