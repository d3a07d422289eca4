// Package postgres implements the vector store contract on PostgreSQL with
// the pgvector extension.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/evermem/memsrv/pkg/memerr"
	"github.com/evermem/memsrv/pkg/storage"
	"github.com/evermem/memsrv/pkg/telemetry"
)

const defaultIVFFlatLists = 100

// Store is a VectorStore backed by a pgvector table. One Store manages one
// collection (one table); the table name is validated at construction since
// it is interpolated into SQL as an identifier.
type Store struct {
	pool       *pgxpool.Pool
	logger     *log.Logger
	collection string
	lists      int
	dim        int
	ready      bool
}

// NewStoreInput contains the dependencies for Store.
type NewStoreInput struct {
	ConnString string
	Collection string
	Logger     *log.Logger
	// ProviderConfig may carry "ivfflat_lists" to size the ANN index.
	ProviderConfig map[string]any
}

// NewStore connects a pool and validates the collection name. Setup must be
// called before any data operation.
func NewStore(ctx context.Context, input NewStoreInput) (*Store, error) {
	if input.ConnString == "" {
		return nil, memerr.Configuration("postgres connection string cannot be empty")
	}
	if input.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := storage.ValidateCollectionName(input.Collection); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(input.ConnString)
	if err != nil {
		return nil, memerr.Configuration(fmt.Sprintf("invalid postgres connection string: %v", err))
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, memerr.Database(fmt.Sprintf("failed to create postgres pool: %v", err))
	}

	lists := defaultIVFFlatLists
	if raw, ok := input.ProviderConfig["ivfflat_lists"]; ok {
		if f, ok := raw.(float64); ok && f > 0 {
			lists = int(f)
		}
	}

	return &Store{
		pool:       pool,
		logger:     input.Logger,
		collection: input.Collection,
		lists:      lists,
	}, nil
}

// Setup verifies connectivity and installs the pgvector extension.
func (s *Store) Setup(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "db.setup", telemetry.KindDB)
	var err error
	defer func() { telemetry.End(span, err) }()

	if err = s.pool.Ping(ctx); err != nil {
		err = memerr.Database(fmt.Sprintf("failed to reach postgres: %v", err))
		return err
	}
	if _, err = s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		err = memerr.Database(fmt.Sprintf("failed to install pgvector extension: %v", err))
		return err
	}
	s.ready = true
	return nil
}

// CreateCollection creates the table and its cosine ivfflat index if they do
// not exist yet. Index creation races are tolerated since concurrent
// replicas may boot at once.
func (s *Store) CreateCollection(ctx context.Context, metric string, dim int) error {
	ctx, span := telemetry.StartSpan(ctx, "db.create_collection", telemetry.KindDB)
	var err error
	defer func() { telemetry.End(span, err) }()

	if err = s.checkReady(); err != nil {
		return err
	}
	if metric != "cosine" {
		err = memerr.Configuration(fmt.Sprintf("unsupported distance metric %q", metric))
		return err
	}
	if dim <= 0 {
		err = memerr.Configuration("embedding dimension must be positive")
		return err
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		embedding VECTOR(%d) NOT NULL,
		user_id TEXT NOT NULL,
		app_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		event_timestamp TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, s.collection, dim)
	if _, err = s.pool.Exec(ctx, ddl); err != nil {
		err = memerr.Database(fmt.Sprintf("failed to create collection %s: %v", s.collection, err))
		return err
	}

	index := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)",
		s.collection, s.collection, s.lists)
	if _, err := s.pool.Exec(ctx, index); err != nil {
		// Another replica may have created it between the check and here.
		if !strings.Contains(err.Error(), "already exists") {
			s.logger.Warn("ivfflat index creation failed, similarity queries fall back to sequential scan", "error", err)
		}
	}

	s.dim = dim
	s.logger.Info("collection ready", "collection", s.collection, "dim", dim)
	return nil
}

// Add upserts items by id. Conflicting ids have their document, embedding
// and updated_at replaced while created_at and metadata stay.
func (s *Store) Add(ctx context.Context, items []storage.Item) ([]string, error) {
	ctx, span := telemetry.StartSpan(ctx, "db.add", telemetry.KindDB)
	var err error
	defer func() { telemetry.End(span, err) }()

	if err = s.checkReady(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []string{}, nil
	}

	batch := &pgx.Batch{}
	sql := fmt.Sprintf(`INSERT INTO %s
		(id, document, embedding, user_id, app_id, session_id, agent_name, event_timestamp, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
			document = EXCLUDED.document,
			embedding = EXCLUDED.embedding,
			updated_at = now()`, s.collection)

	ids := make([]string, 0, len(items))
	for _, item := range items {
		if err = s.checkDim(item.ID, item.Embedding); err != nil {
			return nil, err
		}
		batch.Queue(sql,
			item.ID, item.Document, pgvector.NewVector(item.Embedding),
			item.Metadata.UserID, item.Metadata.AppID, item.Metadata.SessionID, item.Metadata.AgentName,
			item.Metadata.EventTimestamp, item.CreatedAt)
		ids = append(ids, item.ID)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range items {
		if _, execErr := results.Exec(); execErr != nil {
			err = memerr.Database(fmt.Sprintf("failed to add memories: %v", execErr))
			return nil, err
		}
	}
	return ids, nil
}

// Update replaces document and embedding for each known id and returns the
// ids that matched a row. Unknown ids are skipped.
func (s *Store) Update(ctx context.Context, items []storage.UpdatePayload) ([]string, error) {
	ctx, span := telemetry.StartSpan(ctx, "db.update", telemetry.KindDB)
	var err error
	defer func() { telemetry.End(span, err) }()

	if err = s.checkReady(); err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(
		"UPDATE %s SET document = $2, embedding = $3, updated_at = now() WHERE id = $1 RETURNING id",
		s.collection)

	updated := make([]string, 0, len(items))
	for _, item := range items {
		if err = s.checkDim(item.ID, item.Embedding); err != nil {
			return nil, err
		}
		var id string
		scanErr := s.pool.QueryRow(ctx, sql, item.ID, item.Document, pgvector.NewVector(item.Embedding)).Scan(&id)
		if scanErr == pgx.ErrNoRows {
			continue
		}
		if scanErr != nil {
			err = memerr.Database(fmt.Sprintf("failed to update memory %s: %v", item.ID, scanErr))
			return nil, err
		}
		updated = append(updated, id)
	}
	return updated, nil
}

// Delete removes the given ids and returns the ones that existed.
func (s *Store) Delete(ctx context.Context, ids []string) ([]string, error) {
	ctx, span := telemetry.StartSpan(ctx, "db.delete", telemetry.KindDB)
	var err error
	defer func() { telemetry.End(span, err) }()

	if err = s.checkReady(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	sql := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1) RETURNING id", s.collection)
	rows, queryErr := s.pool.Query(ctx, sql, ids)
	if queryErr != nil {
		err = memerr.Database(fmt.Sprintf("failed to delete memories: %v", queryErr))
		return nil, err
	}
	defer rows.Close()

	deleted := make([]string, 0, len(ids))
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			err = memerr.Database(fmt.Sprintf("failed to read deleted id: %v", scanErr))
			return nil, err
		}
		deleted = append(deleted, id)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		err = memerr.Database(fmt.Sprintf("failed to delete memories: %v", rowsErr))
		return nil, err
	}
	return deleted, nil
}

// GetByIDs fetches the records for the known subset of ids.
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]storage.Record, error) {
	ctx, span := telemetry.StartSpan(ctx, "db.get_by_ids", telemetry.KindDB)
	var err error
	defer func() { telemetry.End(span, err) }()

	if err = s.checkReady(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []storage.Record{}, nil
	}

	sql := fmt.Sprintf(
		"SELECT id, document, user_id, app_id, session_id, agent_name, event_timestamp, created_at, updated_at FROM %s WHERE id = ANY($1)",
		s.collection)
	rows, queryErr := s.pool.Query(ctx, sql, ids)
	if queryErr != nil {
		err = memerr.Database(fmt.Sprintf("failed to get memories: %v", queryErr))
		return nil, err
	}
	defer rows.Close()

	records, scanErr := scanRecords(rows)
	if scanErr != nil {
		err = scanErr
		return nil, err
	}
	return records, nil
}

// QueryByFilter returns up to limit records matching all filters, ordered by
// updated_at descending.
func (s *Store) QueryByFilter(ctx context.Context, filters map[string]string, limit int) ([]storage.Record, error) {
	ctx, span := telemetry.StartSpan(ctx, "db.query_by_filter", telemetry.KindDB)
	var err error
	defer func() { telemetry.End(span, err) }()

	if err = s.checkReady(); err != nil {
		return nil, err
	}
	if err = storage.ValidateFilters(filters); err != nil {
		return nil, err
	}

	where, args := filterClause(filters, 1)
	sql := fmt.Sprintf(
		"SELECT id, document, user_id, app_id, session_id, agent_name, event_timestamp, created_at, updated_at FROM %s%s ORDER BY updated_at DESC LIMIT %d",
		s.collection, where, limit)

	rows, queryErr := s.pool.Query(ctx, sql, args...)
	if queryErr != nil {
		err = memerr.Database(fmt.Sprintf("failed to query memories: %v", queryErr))
		return nil, err
	}
	defer rows.Close()

	records, scanErr := scanRecords(rows)
	if scanErr != nil {
		err = scanErr
		return nil, err
	}
	return records, nil
}

// QueryBySimilarity runs one nearest-neighbor query per embedding and
// returns the result groups in query order. Similarity is 1 minus cosine
// distance, clamped to [0, 1].
func (s *Store) QueryBySimilarity(ctx context.Context, embeddings [][]float32, filters map[string]string, topK int) ([][]storage.ScoredRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "db.query_by_similarity", telemetry.KindDB)
	var err error
	defer func() { telemetry.End(span, err) }()

	if err = s.checkReady(); err != nil {
		return nil, err
	}
	if err = storage.ValidateFilters(filters); err != nil {
		return nil, err
	}

	groups := make([][]storage.ScoredRecord, len(embeddings))
	for i, embedding := range embeddings {
		where, args := filterClause(filters, 2)
		args = append([]any{pgvector.NewVector(embedding)}, args...)
		sql := fmt.Sprintf(
			`SELECT id, document, user_id, app_id, session_id, agent_name, event_timestamp, created_at, updated_at,
				1 - (embedding <=> $1) AS similarity
			FROM %s%s ORDER BY embedding <=> $1 LIMIT %d`,
			s.collection, where, topK)

		rows, queryErr := s.pool.Query(ctx, sql, args...)
		if queryErr != nil {
			err = memerr.Database(fmt.Sprintf("failed to run similarity query: %v", queryErr))
			return nil, err
		}

		group := make([]storage.ScoredRecord, 0, topK)
		for rows.Next() {
			var rec storage.Record
			var similarity float64
			if scanErr := scanRecordInto(rows, &rec, &similarity); scanErr != nil {
				rows.Close()
				err = scanErr
				return nil, err
			}
			group = append(group, storage.ScoredRecord{Record: rec, Similarity: clampSimilarity(similarity)})
		}
		rowsErr := rows.Err()
		rows.Close()
		if rowsErr != nil {
			err = memerr.Database(fmt.Sprintf("failed to run similarity query: %v", rowsErr))
			return nil, err
		}
		groups[i] = group
	}
	return groups, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) checkReady() error {
	if !s.ready {
		return memerr.Database("store is not set up, call Setup first")
	}
	return nil
}

func (s *Store) checkDim(id string, embedding []float32) error {
	if s.dim > 0 && len(embedding) != s.dim {
		return memerr.InvalidRequest(fmt.Sprintf("embedding for %s has dimension %d, collection expects %d", id, len(embedding), s.dim))
	}
	return nil
}

// clampSimilarity bounds 1 minus cosine distance to [0, 1]; the distance
// itself ranges over [0, 2].
func clampSimilarity(similarity float64) float64 {
	if similarity < 0 {
		return 0
	}
	if similarity > 1 {
		return 1
	}
	return similarity
}

// filterClause builds a parameterized WHERE clause from the equality
// filters, with placeholders starting at $start.
func filterClause(filters map[string]string, start int) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for _, field := range []string{"user_id", "app_id", "session_id", "agent_name"} {
		value, ok := filters[field]
		if !ok {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s = $%d", field, start+len(args)))
		args = append(args, value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanRecords(rows pgx.Rows) ([]storage.Record, error) {
	records := []storage.Record{}
	for rows.Next() {
		var rec storage.Record
		if err := scanRecordInto(rows, &rec, nil); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.Database(fmt.Sprintf("failed to read memories: %v", err))
	}
	return records, nil
}

func scanRecordInto(rows pgx.Rows, rec *storage.Record, similarity *float64) error {
	var eventTS *time.Time
	dest := []any{
		&rec.ID, &rec.Document,
		&rec.Metadata.UserID, &rec.Metadata.AppID, &rec.Metadata.SessionID, &rec.Metadata.AgentName,
		&eventTS, &rec.CreatedAt, &rec.UpdatedAt,
	}
	if similarity != nil {
		dest = append(dest, similarity)
	}
	if err := rows.Scan(dest...); err != nil {
		return memerr.Database(fmt.Sprintf("failed to scan memory row: %v", err))
	}
	rec.Metadata.EventTimestamp = eventTS
	return nil
}

var _ storage.VectorStore = (*Store)(nil)
