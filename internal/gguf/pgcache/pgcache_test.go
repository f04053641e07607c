package pgcache_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inferd-run/inferd/internal/gguf"
	"github.com/inferd-run/inferd/internal/gguf/pgcache"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if INFERD_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("INFERD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INFERD_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [pgcache.Store] with a clean table.
func newTestStore(t *testing.T) *pgcache.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS gguf_metadata"); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	pool.Close()

	store, err := pgcache.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func sampleMetadata() *gguf.Metadata {
	m := &gguf.Metadata{
		ModelID:        "test-model",
		Path:           "/models/test-model.gguf",
		FileSize:       1024,
		Version:        3,
		TensorCount:    42,
		Architecture:   "llama",
		ContextSize:    4096,
		VocabularySize: 32000,
		EmbeddingSize:  4096,
		Quantization:   "Q4_K_M",
		Parameters:     map[string]any{"rope_theta": "10000"},
	}
	for i := range m.Checksum {
		m.Checksum[i] = byte(i)
	}
	return m
}

func TestStore_PutThenGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	want := sampleMetadata()

	if err := store.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, found, err := store.Get(ctx, want.ModelID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("Get: expected a cache hit")
	}
	if got.Path != want.Path || got.Architecture != want.Architecture || got.ChecksumHex() != want.ChecksumHex() {
		t.Fatalf("Get returned %+v, want %+v", got, want)
	}
	if got.Parameters["rope_theta"] != "10000" {
		t.Fatalf("Parameters round-trip lost rope_theta: %+v", got.Parameters)
	}
}

func TestStore_GetMiss(t *testing.T) {
	store := newTestStore(t)

	_, found, err := store.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("Get: expected a cache miss")
	}
}

func TestStore_PutUpsertsExistingModel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := sampleMetadata()
	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("Put (first): %v", err)
	}

	second := sampleMetadata()
	second.Quantization = "Q8_0"
	if err := store.Put(ctx, second); err != nil {
		t.Fatalf("Put (second): %v", err)
	}

	got, found, err := store.Get(ctx, first.ModelID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("Get: expected a cache hit")
	}
	if got.Quantization != "Q8_0" {
		t.Fatalf("Quantization = %q, want Q8_0 (upsert should replace the row)", got.Quantization)
	}
}
