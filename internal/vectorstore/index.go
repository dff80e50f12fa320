package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

var tracer = otel.Tracer("sentinel.vectorstore")

// DefaultCollection is the collection name used when none is configured.
const DefaultCollection = "opportunities"

// Config holds index settings.
type Config struct {
	// Path is the persistence directory. Empty keeps the index in memory.
	Path string

	// Compress gzips persisted documents.
	Compress bool

	// Collection names the chromem collection.
	Collection string

	// Dimensions sets the HashEmbedder vector size when no embedder is given.
	Dimensions int
}

// Match is one query hit.
type Match struct {
	ID         string
	Title      string
	Similarity float32
}

// Index is a similarity index over opportunities.
type Index struct {
	db         *chromem.DB
	mu         sync.RWMutex
	collection *chromem.Collection
	embedder   Embedder
	logger     *zap.Logger
}

// NewIndex opens or creates the index described by cfg. A nil embedder
// selects HashEmbedder.
func NewIndex(cfg Config, embedder Embedder, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if embedder == nil {
		embedder = NewHashEmbedder(cfg.Dimensions)
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		cfg.Path = path
	}

	ef := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, ef)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	idx := &Index{db: db, collection: collection, embedder: embedder, logger: logger}
	indexDocuments.Set(float64(collection.Count()))

	logger.Info("similarity index ready",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("documents", collection.Count()),
	)
	return idx, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// Count returns the number of indexed opportunities.
func (ix *Index) Count() int {
	return ix.coll().Count()
}

func (ix *Index) coll() *chromem.Collection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.collection
}

// Upsert indexes o, replacing any previous document with the same ID.
// Opportunities with no indexable text are skipped.
func (ix *Index) Upsert(ctx context.Context, o *opportunity.Opportunity) error {
	ctx, span := tracer.Start(ctx, "Index.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("opportunity_id", o.ID))

	text := o.Text()
	emb, err := ix.embedder.Embed(ctx, text)
	if errors.Is(err, ErrEmptyText) {
		ix.logger.Debug("skipping opportunity with no indexable text", zap.String("id", o.ID))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("embedding %s: %w", o.ID, err)
	}

	doc := chromem.Document{
		ID:      o.ID,
		Content: text,
		Metadata: map[string]string{
			"title":  o.Title,
			"type":   string(o.Type),
			"status": string(o.Status),
		},
		Embedding: emb,
	}
	c := ix.coll()
	if err := c.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("indexing %s: %w", o.ID, err)
	}
	indexDocuments.Set(float64(c.Count()))
	return nil
}

// Remove drops the given IDs from the index.
func (ix *Index) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	c := ix.coll()
	if err := c.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("removing documents: %w", err)
	}
	indexDocuments.Set(float64(c.Count()))
	return nil
}

// Query returns up to k opportunities most similar to text, best first.
func (ix *Index) Query(ctx context.Context, text string, k int) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "Index.Query")
	defer span.End()
	start := time.Now()
	defer func() { queryDuration.Observe(time.Since(start).Seconds()) }()

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	c := ix.coll()
	n := c.Count()
	if n == 0 {
		return []Match{}, nil
	}
	if k > n {
		k = n
	}

	emb, err := ix.embedder.Embed(ctx, text)
	if errors.Is(err, ErrEmptyText) {
		return []Match{}, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	results, err := c.QueryEmbedding(ctx, emb, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying index: %w", err)
	}

	out := make([]Match, len(results))
	for i, r := range results {
		out[i] = Match{ID: r.ID, Title: r.Metadata["title"], Similarity: r.Similarity}
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

// Rebuild replaces the index contents with opps.
func (ix *Index) Rebuild(ctx context.Context, opps []*opportunity.Opportunity) error {
	ix.mu.Lock()
	name := ix.collection.Name
	if err := ix.db.DeleteCollection(name); err != nil {
		ix.mu.Unlock()
		return fmt.Errorf("dropping collection %s: %w", name, err)
	}
	ef := func(ctx context.Context, text string) ([]float32, error) {
		return ix.embedder.Embed(ctx, text)
	}
	collection, err := ix.db.CreateCollection(name, nil, ef)
	if err != nil {
		ix.mu.Unlock()
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	ix.collection = collection
	ix.mu.Unlock()

	for _, o := range opps {
		if err := ix.Upsert(ctx, o); err != nil {
			return err
		}
	}
	indexDocuments.Set(float64(collection.Count()))
	ix.logger.Info("similarity index rebuilt", zap.Int("documents", collection.Count()))
	return nil
}
