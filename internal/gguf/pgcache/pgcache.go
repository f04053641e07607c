// Package pgcache keeps a cross-process PostgreSQL copy of the metadata
// that [gguf.Load] parses, keyed by model id. The in-memory cache inside
// gguf.Load remains the source of truth within a process. [Store.Resolve]
// always goes through gguf.Load (which parses the header on an in-memory
// miss) and then writes the result to the table; it does not read the
// table, so a restarted process or a second instance still parses each
// header on its first load. Stored rows are read back only through
// [Store.Get].
package pgcache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inferd-run/inferd/internal/gguf"
)

const ddlMetadata = `
CREATE TABLE IF NOT EXISTS gguf_metadata (
    model_id        TEXT         PRIMARY KEY,
    path            TEXT         NOT NULL,
    file_size       BIGINT       NOT NULL,
    version         INT          NOT NULL,
    tensor_count    BIGINT       NOT NULL,
    architecture    TEXT         NOT NULL DEFAULT '',
    context_size    INT          NOT NULL DEFAULT 0,
    vocabulary_size INT          NOT NULL DEFAULT 0,
    embedding_size  INT          NOT NULL DEFAULT 0,
    quantization    TEXT         NOT NULL DEFAULT '',
    checksum_hex    TEXT         NOT NULL,
    parameters      JSONB        NOT NULL DEFAULT '{}',
    cached_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates the gguf_metadata table if it does not already exist. It
// is idempotent and safe to call on every process start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlMetadata); err != nil {
		return fmt.Errorf("pgcache: migrate: %w", err)
	}
	return nil
}

// Store is a PostgreSQL-backed cache of parsed [gguf.Metadata], keyed by
// model id. Safe for concurrent use; every method is a single pooled query.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgcache: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgcache: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgcache: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Get returns the cached metadata for modelID. found is false on a cache
// miss; it is never an error for a key to be absent.
func (s *Store) Get(ctx context.Context, modelID string) (meta *gguf.Metadata, found bool, err error) {
	var (
		checksumHex string
		paramsJSON  []byte
	)
	m := &gguf.Metadata{ModelID: modelID}

	row := s.pool.QueryRow(ctx, `
		SELECT path, file_size, version, tensor_count, architecture,
		       context_size, vocabulary_size, embedding_size, quantization,
		       checksum_hex, parameters
		FROM gguf_metadata WHERE model_id = $1`, modelID)

	err = row.Scan(&m.Path, &m.FileSize, &m.Version, &m.TensorCount, &m.Architecture,
		&m.ContextSize, &m.VocabularySize, &m.EmbeddingSize, &m.Quantization,
		&checksumHex, &paramsJSON)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pgcache: get %q: %w", modelID, err)
	}

	raw, err := hex.DecodeString(checksumHex)
	if err != nil || len(raw) != len(m.Checksum) {
		return nil, false, fmt.Errorf("pgcache: get %q: malformed checksum: %w", modelID, err)
	}
	copy(m.Checksum[:], raw)

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &m.Parameters); err != nil {
			return nil, false, fmt.Errorf("pgcache: get %q: decode parameters: %w", modelID, err)
		}
	}

	return m, true, nil
}

// Resolve returns metadata for modelID via [gguf.Load], which consults the
// process-wide in-memory cache and parses the file on a miss, then upserts
// the result into the cross-process table with [Store.Put]. It does not
// consult the table first; a stored row is read only through [Store.Get].
// When the upsert fails, the loaded metadata is returned with the error.
func (s *Store) Resolve(ctx context.Context, baseDir, modelID string) (*gguf.Metadata, error) {
	meta, err := gguf.Load(baseDir, modelID)
	if err != nil {
		return nil, err
	}
	if err := s.Put(ctx, meta); err != nil {
		return meta, fmt.Errorf("pgcache: persist %q after load: %w", modelID, err)
	}
	return meta, nil
}

// Put upserts meta into the cache, replacing any prior entry for the same
// model id.
func (s *Store) Put(ctx context.Context, meta *gguf.Metadata) error {
	paramsJSON, err := json.Marshal(meta.Parameters)
	if err != nil {
		return fmt.Errorf("pgcache: put %q: encode parameters: %w", meta.ModelID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO gguf_metadata (
			model_id, path, file_size, version, tensor_count, architecture,
			context_size, vocabulary_size, embedding_size, quantization,
			checksum_hex, parameters, cached_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		ON CONFLICT (model_id) DO UPDATE SET
			path = EXCLUDED.path,
			file_size = EXCLUDED.file_size,
			version = EXCLUDED.version,
			tensor_count = EXCLUDED.tensor_count,
			architecture = EXCLUDED.architecture,
			context_size = EXCLUDED.context_size,
			vocabulary_size = EXCLUDED.vocabulary_size,
			embedding_size = EXCLUDED.embedding_size,
			quantization = EXCLUDED.quantization,
			checksum_hex = EXCLUDED.checksum_hex,
			parameters = EXCLUDED.parameters,
			cached_at = now()`,
		meta.ModelID, meta.Path, meta.FileSize, meta.Version, meta.TensorCount, meta.Architecture,
		meta.ContextSize, meta.VocabularySize, meta.EmbeddingSize, meta.Quantization,
		hex.EncodeToString(meta.Checksum[:]), paramsJSON)
	if err != nil {
		return fmt.Errorf("pgcache: put %q: %w", meta.ModelID, err)
	}
	return nil
}
