// Package generator turns repository snapshots into validated README
// documents.
//
// The prompt is a pure function of the snapshot, the document kind and the
// hints, so an unchanged snapshot is served from an LRU cache without
// calling any provider. Output that fails validation is attributed to the
// provider that produced it and the router moves on to the next one.
package generator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodoc/internal/config"
	"github.com/fyrsmithlabs/autodoc/internal/logging"
	"github.com/fyrsmithlabs/autodoc/internal/router"
	"github.com/fyrsmithlabs/autodoc/internal/snapshot"
)

// Router is the part of router.Router the generator needs.
type Router interface {
	Generate(ctx context.Context, prompt router.Prompt, c router.Constraints) *router.Result
}

// Document is a validated document ready for deployment.
type Document struct {
	Kind         DocumentKind `json:"kind"`
	Content      string       `json:"-"`
	Bytes        int          `json:"bytes"`
	Provider     string       `json:"provider"`
	SnapshotHash string       `json:"snapshot_hash"`
	Cached       bool         `json:"cached"`
	GeneratedAt  time.Time    `json:"generated_at"`
}

// Options configures a Generator.
type Options struct {
	MaxTokens int
	MaxBytes  int

	// CacheSize bounds the document cache. Zero disables caching.
	CacheSize int

	Logger *logging.Logger
	Meter  metric.Meter
	Now    func() time.Time
}

// OptionsFrom converts the generator configuration section.
func OptionsFrom(c config.GeneratorConfig) Options {
	return Options{MaxTokens: c.MaxTokens, MaxBytes: c.MaxBytes, CacheSize: c.CacheSize}
}

// Generator produces documents.
type Generator struct {
	router    Router
	maxTokens int
	maxBytes  int
	cache     *lru.Cache[string, Document]
	logger    *logging.Logger
	lookups   metric.Int64Counter
	now       func() time.Time
}

// New creates a Generator.
func New(r Router, opts Options) (*Generator, error) {
	if r == nil {
		return nil, errors.New("generator requires a router")
	}
	if opts.MaxBytes <= 0 {
		return nil, errors.New("max bytes must be positive")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("github.com/fyrsmithlabs/autodoc/internal/generator")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	g := &Generator{
		router:    r,
		maxTokens: opts.MaxTokens,
		maxBytes:  opts.MaxBytes,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, Document](opts.CacheSize)
		if err != nil {
			return nil, err
		}
		g.cache = cache
	}

	lookups, err := opts.Meter.Int64Counter("autodoc.generator.cache.lookups",
		metric.WithDescription("Document cache lookups by result"))
	if err != nil {
		return nil, err
	}
	g.lookups = lookups
	return g, nil
}

// Generate writes a document for snap. On failure the router result is
// still returned so callers can report every attempt.
func (g *Generator) Generate(ctx context.Context, snap *snapshot.Snapshot, kind DocumentKind, hints Hints) (*Document, *router.Result, error) {
	key := cacheKey(snap.Hash, kind, hints)
	if g.cache != nil {
		if doc, ok := g.cache.Get(key); ok {
			g.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "hit")))
			g.logger.Info(ctx, "document served from cache",
				zap.String("snapshot_hash", snap.Hash),
				zap.String("kind", string(kind)),
			)
			doc.Cached = true
			return &doc, &router.Result{Output: doc.Content, Provider: doc.Provider}, nil
		}
		g.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "miss")))
	}

	prompt := BuildPrompt(snap, kind, hints)
	g.logger.Trace(ctx, "prompt built",
		zap.Int("prompt_bytes", prompt.Size()),
		zap.Int("snapshot_bytes", snap.TotalBytes),
	)

	res := g.router.Generate(ctx, prompt, router.Constraints{
		MaxTokens: g.maxTokens,
		Validate: func(raw string) (string, error) {
			doc := Clean(raw)
			if err := Validate(doc, g.maxBytes); err != nil {
				return "", err
			}
			return doc, nil
		},
	})
	if err := res.Err(); err != nil {
		return nil, res, err
	}

	doc := Document{
		Kind:         kind,
		Content:      res.Output,
		Bytes:        len(res.Output),
		Provider:     res.Provider,
		SnapshotHash: snap.Hash,
		GeneratedAt:  g.now(),
	}
	if g.cache != nil {
		g.cache.Add(key, doc)
	}
	g.logger.Info(ctx, "document generated",
		zap.String("provider", doc.Provider),
		zap.Int("bytes", doc.Bytes),
		zap.Int("attempts", len(res.Attempts)),
	)
	return &doc, res, nil
}

// Forget drops cached documents for a snapshot hash.
func (g *Generator) Forget(hash string) {
	if g.cache == nil {
		return
	}
	for _, k := range g.cache.Keys() {
		if strings.HasPrefix(k, hash+"\x00") {
			g.cache.Remove(k)
		}
	}
}

func cacheKey(hash string, kind DocumentKind, hints Hints) string {
	h := sha256.New()
	for _, s := range []string{string(kind), hints.Tone, strings.Join(hints.Sections, "\x1f"), hints.Template, hints.Instructions} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hash + "\x00" + hex.EncodeToString(h.Sum(nil))
}
