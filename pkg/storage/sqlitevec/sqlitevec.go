// Package sqlitevec implements the vector store contract on a local SQLite
// file. Embeddings are stored as float32 blobs and similarity search is a
// brute-force scan with a metadata prefilter, which is plenty for the
// single-node collection sizes this backend targets.
package sqlitevec

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/evermem/memsrv/pkg/memerr"
	"github.com/evermem/memsrv/pkg/storage"
	"github.com/evermem/memsrv/pkg/telemetry"
)

// Store is a VectorStore over a single SQLite database file. One Store
// manages one collection (one table).
type Store struct {
	db         *sql.DB
	logger     *log.Logger
	persistDir string
	collection string
	dim        int
	ready      bool
}

// NewStoreInput contains the dependencies for Store.
type NewStoreInput struct {
	PersistDir string
	Collection string
	Logger     *log.Logger
}

// NewStore validates inputs. The database file is opened in Setup so that a
// misconfigured path fails there with a Database error rather than at wiring
// time.
func NewStore(input NewStoreInput) (*Store, error) {
	if input.PersistDir == "" {
		return nil, memerr.Configuration("persist directory cannot be empty")
	}
	if input.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := storage.ValidateCollectionName(input.Collection); err != nil {
		return nil, err
	}
	return &Store{
		logger:     input.Logger,
		persistDir: input.PersistDir,
		collection: input.Collection,
	}, nil
}

// Setup creates the persist directory and opens the database in WAL mode.
func (s *Store) Setup(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "db.setup", telemetry.KindDB)
	var err error
	defer func() { telemetry.End(span, err) }()

	if err = os.MkdirAll(s.persistDir, 0o755); err != nil {
		err = memerr.Database(fmt.Sprintf("failed to create persist directory: %v", err))
		return err
	}

	path := filepath.Join(s.persistDir, s.collection+".db")
	db, openErr := sql.Open("sqlite", path)
	if openErr != nil {
		err = memerr.Database(fmt.Sprintf("failed to open sqlite database: %v", openErr))
		return err
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent request handlers.
	db.SetMaxOpenConns(1)

	if _, execErr := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); execErr != nil {
		_ = db.Close()
		err = memerr.Database(fmt.Sprintf("failed to enable WAL: %v", execErr))
		return err
	}

	s.db = db
	s.ready = true
	return nil
}

// CreateCollection creates the memory table if missing. The embedding
// dimension is recorded and enforced on writes.
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
		embedding BLOB NOT NULL,
		user_id TEXT NOT NULL,
		app_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		event_timestamp TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.collection)
	if _, err = s.db.ExecContext(ctx, ddl); err != nil {
		err = memerr.Database(fmt.Sprintf("failed to create collection %s: %v", s.collection, err))
		return err
	}

	for _, field := range []string{"user_id", "session_id"} {
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s (%s)", s.collection, field, s.collection, field)
		if _, err = s.db.ExecContext(ctx, idx); err != nil {
			err = memerr.Database(fmt.Sprintf("failed to create index on %s: %v", field, err))
			return err
		}
	}

	s.dim = dim
	s.logger.Info("collection ready", "collection", s.collection, "dim", dim)
	return nil
}

// Add upserts items by id.
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

	tx, txErr := s.db.BeginTx(ctx, nil)
	if txErr != nil {
		err = memerr.Database(fmt.Sprintf("failed to begin transaction: %v", txErr))
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sqlText := fmt.Sprintf(`INSERT INTO %s
		(id, document, embedding, user_id, app_id, session_id, agent_name, event_timestamp, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			document = excluded.document,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`, s.collection)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if s.dim > 0 && len(item.Embedding) != s.dim {
			err = memerr.InvalidRequest(fmt.Sprintf("embedding for %s has dimension %d, collection expects %d", item.ID, len(item.Embedding), s.dim))
			return nil, err
		}
		var eventTS any
		if item.Metadata.EventTimestamp != nil {
			eventTS = item.Metadata.EventTimestamp.UTC().Format(time.RFC3339Nano)
		}
		if _, execErr := tx.ExecContext(ctx, sqlText,
			item.ID, item.Document, encodeVector(item.Embedding),
			item.Metadata.UserID, item.Metadata.AppID, item.Metadata.SessionID, item.Metadata.AgentName,
			eventTS, item.CreatedAt.UTC().Format(time.RFC3339Nano), now); execErr != nil {
			err = memerr.Database(fmt.Sprintf("failed to add memory %s: %v", item.ID, execErr))
			return nil, err
		}
		ids = append(ids, item.ID)
	}

	if commitErr := tx.Commit(); commitErr != nil {
		err = memerr.Database(fmt.Sprintf("failed to commit add: %v", commitErr))
		return nil, err
	}
	return ids, nil
}

// Update replaces document and embedding for each known id, skipping ids
// with no row.
func (s *Store) Update(ctx context.Context, items []storage.UpdatePayload) ([]string, error) {
	ctx, span := telemetry.StartSpan(ctx, "db.update", telemetry.KindDB)
	var err error
	defer func() { telemetry.End(span, err) }()

	if err = s.checkReady(); err != nil {
		return nil, err
	}

	sqlText := fmt.Sprintf("UPDATE %s SET document = ?, embedding = ?, updated_at = ? WHERE id = ?", s.collection)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	updated := make([]string, 0, len(items))
	for _, item := range items {
		if s.dim > 0 && len(item.Embedding) != s.dim {
			err = memerr.InvalidRequest(fmt.Sprintf("embedding for %s has dimension %d, collection expects %d", item.ID, len(item.Embedding), s.dim))
			return nil, err
		}
		res, execErr := s.db.ExecContext(ctx, sqlText, item.Document, encodeVector(item.Embedding), now, item.ID)
		if execErr != nil {
			err = memerr.Database(fmt.Sprintf("failed to update memory %s: %v", item.ID, execErr))
			return nil, err
		}
		affected, _ := res.RowsAffected()
		if affected > 0 {
			updated = append(updated, item.ID)
		}
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

	sqlText := fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.collection)
	deleted := make([]string, 0, len(ids))
	for _, id := range ids {
		res, execErr := s.db.ExecContext(ctx, sqlText, id)
		if execErr != nil {
			err = memerr.Database(fmt.Sprintf("failed to delete memory %s: %v", id, execErr))
			return nil, err
		}
		affected, _ := res.RowsAffected()
		if affected > 0 {
			deleted = append(deleted, id)
		}
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

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	sqlText := fmt.Sprintf(
		"SELECT id, document, user_id, app_id, session_id, agent_name, event_timestamp, created_at, updated_at FROM %s WHERE id IN (%s)",
		s.collection, placeholders)

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, queryErr := s.db.QueryContext(ctx, sqlText, args...)
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

// QueryByFilter returns up to limit records matching all filters, most
// recently updated first.
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

	where, args := filterClause(filters)
	sqlText := fmt.Sprintf(
		"SELECT id, document, user_id, app_id, session_id, agent_name, event_timestamp, created_at, updated_at FROM %s%s ORDER BY updated_at DESC LIMIT %d",
		s.collection, where, limit)

	rows, queryErr := s.db.QueryContext(ctx, sqlText, args...)
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

// QueryBySimilarity scans the filtered rows once per query embedding and
// keeps the topK by cosine similarity. Scans for different query embeddings
// run concurrently over an in-memory snapshot of the candidate rows.
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

	candidates, loadErr := s.loadCandidates(ctx, filters)
	if loadErr != nil {
		err = loadErr
		return nil, err
	}

	groups := make([][]storage.ScoredRecord, len(embeddings))
	g, _ := errgroup.WithContext(ctx)
	for i, embedding := range embeddings {
		g.Go(func() error {
			scored := make([]storage.ScoredRecord, 0, len(candidates))
			for _, c := range candidates {
				scored = append(scored, storage.ScoredRecord{
					Record:     c.record,
					Similarity: cosineSimilarity(embedding, c.embedding),
				})
			}
			sort.SliceStable(scored, func(a, b int) bool { return scored[a].Similarity > scored[b].Similarity })
			if len(scored) > topK {
				scored = scored[:topK]
			}
			groups[i] = scored
			return nil
		})
	}
	if waitErr := g.Wait(); waitErr != nil {
		err = waitErr
		return nil, err
	}
	return groups, nil
}

// Close closes the database handle.
func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Store) checkReady() error {
	if !s.ready {
		return memerr.Database("store is not set up, call Setup first")
	}
	return nil
}

type candidate struct {
	record    storage.Record
	embedding []float32
}

func (s *Store) loadCandidates(ctx context.Context, filters map[string]string) ([]candidate, error) {
	where, args := filterClause(filters)
	sqlText := fmt.Sprintf(
		"SELECT id, document, embedding, user_id, app_id, session_id, agent_name, event_timestamp, created_at, updated_at FROM %s%s",
		s.collection, where)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, memerr.Database(fmt.Sprintf("failed to load similarity candidates: %v", err))
	}
	defer rows.Close()

	candidates := []candidate{}
	for rows.Next() {
		var rec storage.Record
		var blob []byte
		var eventTS, createdAt, updatedAt sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Document, &blob,
			&rec.Metadata.UserID, &rec.Metadata.AppID, &rec.Metadata.SessionID, &rec.Metadata.AgentName,
			&eventTS, &createdAt, &updatedAt); err != nil {
			return nil, memerr.Database(fmt.Sprintf("failed to scan memory row: %v", err))
		}
		if err := fillTimes(&rec, eventTS, createdAt, updatedAt); err != nil {
			return nil, err
		}
		embedding, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{record: rec, embedding: embedding})
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.Database(fmt.Sprintf("failed to load similarity candidates: %v", err))
	}
	return candidates, nil
}

func filterClause(filters map[string]string) (string, []any) {
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
		clauses = append(clauses, field+" = ?")
		args = append(args, value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanRecords(rows *sql.Rows) ([]storage.Record, error) {
	records := []storage.Record{}
	for rows.Next() {
		var rec storage.Record
		var eventTS, createdAt, updatedAt sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Document,
			&rec.Metadata.UserID, &rec.Metadata.AppID, &rec.Metadata.SessionID, &rec.Metadata.AgentName,
			&eventTS, &createdAt, &updatedAt); err != nil {
			return nil, memerr.Database(fmt.Sprintf("failed to scan memory row: %v", err))
		}
		if err := fillTimes(&rec, eventTS, createdAt, updatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.Database(fmt.Sprintf("failed to read memories: %v", err))
	}
	return records, nil
}

func fillTimes(rec *storage.Record, eventTS, createdAt, updatedAt sql.NullString) error {
	parse := func(raw string) (time.Time, error) {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return time.Time{}, memerr.Database(fmt.Sprintf("failed to parse stored timestamp %q: %v", raw, err))
		}
		return t, nil
	}
	if eventTS.Valid {
		t, err := parse(eventTS.String)
		if err != nil {
			return err
		}
		rec.Metadata.EventTimestamp = &t
	}
	if createdAt.Valid {
		t, err := parse(createdAt.String)
		if err != nil {
			return err
		}
		rec.CreatedAt = t
	}
	if updatedAt.Valid {
		t, err := parse(updatedAt.String)
		if err != nil {
			return err
		}
		rec.UpdatedAt = t
	}
	return nil
}

var _ storage.VectorStore = (*Store)(nil)
