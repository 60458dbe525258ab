// Package ingestion loads source documents into a user's private knowledge
// partition. Sources are chunked on paragraph boundaries and indexed
// concurrently; one bad document never fails the batch.
package ingestion

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/scholar/internal/conversation"
	"github.com/normanking/scholar/internal/knowledge"
)

const (
	// DefaultMaxChunkChars matches the evidence cap applied when documents
	// are attached to a turn, so indexed chunks never arrive pre-truncated.
	DefaultMaxChunkChars = 3000

	// DefaultMinChunkChars is the floor below which a fragment merges
	// into its neighbor instead of indexing alone.
	DefaultMinChunkChars = 120

	// DefaultConcurrency bounds parallel indexing.
	DefaultConcurrency = 4
)

// Source is one document to ingest.
type Source struct {
	Title   string
	Content string
}

// Result reports the outcome for one source.
type Result struct {
	Title    string
	ChunkIDs []string
	Err      error
}

// Summary aggregates a batch.
type Summary struct {
	Sources  int
	Chunks   int
	Failed   int
	Duration time.Duration
}

// Pipeline chunks and indexes sources into the knowledge store.
type Pipeline struct {
	store       *knowledge.Store
	chunker     *Chunker
	concurrency int
	log         zerolog.Logger
}

// Option configures the Pipeline.
type Option func(*Pipeline)

// WithConcurrency bounds parallel indexing.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithChunkBounds overrides the chunk size bounds.
func WithChunkBounds(maxChars, minChars int) Option {
	return func(p *Pipeline) {
		if maxChars > 0 && minChars >= 0 {
			p.chunker = NewChunker(maxChars, minChars)
		}
	}
}

// New creates an ingestion pipeline over the store.
func New(store *knowledge.Store, log zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:       store,
		chunker:     NewChunker(DefaultMaxChunkChars, DefaultMinChunkChars),
		concurrency: DefaultConcurrency,
		log:         log.With().Str("component", "ingestion").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest indexes the sources into userID's partition. Per-source failures
// are carried in the results; the returned error covers only faults that
// invalidate the whole batch, like an empty user id or cancellation.
func (p *Pipeline) Ingest(ctx context.Context, userID string, sources []Source) ([]Result, Summary, error) {
	if userID == "" {
		return nil, Summary{}, fmt.Errorf("%w: empty user id", conversation.ErrIsolation)
	}

	start := time.Now()
	results := make([]Result, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	var mu sync.Mutex
	var totalChunks int

	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			ids, err := p.ingestOne(gctx, userID, src)
			results[i] = Result{Title: src.Title, ChunkIDs: ids, Err: err}
			if err != nil {
				p.log.Warn().Err(err).Str("title", src.Title).Msg("source failed to ingest")
				return nil
			}
			mu.Lock()
			totalChunks += len(ids)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Summary{}, err
	}
	// The group context is cancelled once Wait returns; only the caller's
	// context signals a real cancellation of the batch.
	if err := ctx.Err(); err != nil {
		return nil, Summary{}, fmt.Errorf("ingestion cancelled: %w", err)
	}

	summary := Summary{
		Sources:  len(sources),
		Chunks:   totalChunks,
		Duration: time.Since(start),
	}
	for _, r := range results {
		if r.Err != nil {
			summary.Failed++
		}
	}

	p.log.Info().
		Str("user", userID).
		Int("sources", summary.Sources).
		Int("chunks", summary.Chunks).
		Int("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Msg("ingestion batch completed")
	return results, summary, nil
}

func (p *Pipeline) ingestOne(ctx context.Context, userID string, src Source) ([]string, error) {
	if strings.TrimSpace(src.Content) == "" {
		return nil, fmt.Errorf("source %q is empty", src.Title)
	}

	chunks := p.chunker.Chunk(src.Content)
	ids := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		title := src.Title
		if len(chunks) > 1 {
			title = fmt.Sprintf("%s (%d/%d)", src.Title, i+1, len(chunks))
		}
		id, err := p.store.Upsert(ctx, userID, conversation.Document{
			Title:   title,
			Content: chunk,
			Source:  conversation.SourceLocal,
		})
		if err != nil {
			return ids, fmt.Errorf("index chunk %d of %q: %w", i+1, src.Title, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// IngestPath ingests a file, or every .txt and .md file under a directory.
func (p *Pipeline) IngestPath(ctx context.Context, userID, path string) ([]Result, Summary, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("stat %s: %w", path, err)
	}

	var files []string
	if info.IsDir() {
		err := filepath.WalkDir(path, func(name string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(name)) {
			case ".txt", ".md", ".markdown":
				files = append(files, name)
			}
			return nil
		})
		if err != nil {
			return nil, Summary{}, fmt.Errorf("walk %s: %w", path, err)
		}
	} else {
		files = []string{path}
	}

	sources := make([]Source, 0, len(files))
	for _, f := range files {
		content, err := os.ReadFile(f)
		if err != nil {
			return nil, Summary{}, fmt.Errorf("read %s: %w", f, err)
		}
		title := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		sources = append(sources, Source{Title: title, Content: string(content)})
	}

	return p.Ingest(ctx, userID, sources)
}
