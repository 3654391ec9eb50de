// Package snapshot builds size-bounded, deterministic representations of
// a repository for prompting.
//
// A snapshot starts with every file summarised. Manifests are then upgraded
// to their full content, followed by the remaining files in path order,
// for as long as the byte budget allows. When even the per-file summaries
// do not fit, they are collapsed into a per-directory listing and the
// manifests are added back on top of it. Identical
// repository contents always produce an identical snapshot and Hash.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodoc/internal/config"
	"github.com/fyrsmithlabs/autodoc/internal/failure"
	"github.com/fyrsmithlabs/autodoc/internal/logging"
	"github.com/fyrsmithlabs/autodoc/internal/repo"
	"github.com/fyrsmithlabs/autodoc/internal/secrets"
)

// Mode says how an entry is represented.
type Mode string

const (
	ModeFull      Mode = "full"
	ModeSummary   Mode = "summary"
	ModeDirectory Mode = "directory"
)

// Entry is one file (or, in directory mode, one directory) of a snapshot.
// Summary is always set; Content only in ModeFull.
type Entry struct {
	Path     string `json:"path"`
	Mode     Mode   `json:"mode"`
	Language string `json:"language,omitempty"`
	Size     int64  `json:"size"`
	Lines    int    `json:"lines,omitempty"`
	Manifest bool   `json:"manifest,omitempty"`
	Content  string `json:"content,omitempty"`
	Summary  string `json:"summary"`
}

// Cost is the number of budget bytes the entry consumes.
func (e Entry) Cost() int {
	if e.Mode == ModeFull {
		return len(e.Path) + len(e.Content)
	}
	return len(e.Path) + len(e.Summary)
}

// Snapshot is an immutable, budgeted view of a repository.
type Snapshot struct {
	Repository repo.Ref  `json:"repository"`
	Revision   string    `json:"revision,omitempty"`
	Entries    []Entry   `json:"entries"`
	Budget     int       `json:"budget"`
	TotalBytes int       `json:"total_bytes"`
	Hash       string    `json:"hash"`
	Analysis   Analysis  `json:"analysis"`
	Redactions int       `json:"redactions,omitempty"`
	BuiltAt    time.Time `json:"built_at"`
}

// Entry returns the entry for path.
func (s *Snapshot) Entry(path string) (Entry, bool) {
	i := sort.Search(len(s.Entries), func(i int) bool { return s.Entries[i].Path >= path })
	if i < len(s.Entries) && s.Entries[i].Path == path {
		return s.Entries[i], true
	}
	return Entry{}, false
}

// Budget bounds a snapshot.
type Budget struct {
	// MaxBytes bounds the sum of entry costs.
	MaxBytes int
	// MaxFileSize is the largest file whose content is read.
	MaxFileSize int64
	// SummaryLines bounds the declarations listed per summary.
	SummaryLines int
}

// BudgetFrom converts the snapshot configuration section.
func BudgetFrom(c config.SnapshotConfig) Budget {
	return Budget{MaxBytes: c.MaxBytes, MaxFileSize: c.MaxFileSize, SummaryLines: c.SummaryLines}
}

// Builder turns sources into snapshots.
type Builder struct {
	scrubber *secrets.Scrubber
	logger   *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithScrubber redacts secrets from file contents before they are costed.
func WithScrubber(s *secrets.Scrubber) Option {
	return func(b *Builder) { b.scrubber = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(b *Builder) { b.tracer = t }
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		logger: logging.Nop(),
		tracer: otel.Tracer("github.com/fyrsmithlabs/autodoc/internal/snapshot"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build reads src and fits it into budget. It fails with SourceUnavailable
// when the source cannot be read and BudgetExceeded when not even the
// directory listing fits.
func (b *Builder) Build(ctx context.Context, src Source, budget Budget) (*Snapshot, error) {
	ctx, span := b.tracer.Start(ctx, "snapshot.build", trace.WithAttributes(
		attribute.String("source", src.String()),
		attribute.Int("budget", budget.MaxBytes),
	))
	defer span.End()

	if budget.MaxBytes <= 0 {
		return nil, failure.Newf(failure.BudgetExceeded, failure.StageSnapshot, "budget must be positive, got %d", budget.MaxBytes)
	}
	if budget.MaxFileSize <= 0 {
		budget.MaxFileSize = 5 * 1024 * 1024
	}
	if budget.SummaryLines <= 0 {
		budget.SummaryLines = 8
	}

	listing, err := src.List(ctx, budget.MaxFileSize)
	if err != nil {
		span.RecordError(err)
		return nil, failure.Wrap(err, failure.SourceUnavailable, failure.StageSnapshot, "reading "+src.String())
	}

	snap := &Snapshot{
		Repository: listing.Repository,
		Revision:   listing.Revision,
		Budget:     budget.MaxBytes,
		Analysis:   Analyze(listing.Files),
		BuiltAt:    b.now(),
	}

	entries, full := b.entries(listing.Files, budget, snap)
	entries, err = fit(entries, full, budget.MaxBytes)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	snap.Entries = entries
	for _, e := range entries {
		snap.TotalBytes += e.Cost()
	}
	snap.Hash = hashEntries(snap.Repository, snap.Analysis, entries)

	span.SetAttributes(
		attribute.Int("entries", len(entries)),
		attribute.Int("total_bytes", snap.TotalBytes),
	)
	b.logger.Debug(ctx, "snapshot built",
		zap.String("source", src.String()),
		zap.Int("files", len(listing.Files)),
		zap.Int("entries", len(entries)),
		zap.Int("total_bytes", snap.TotalBytes),
		zap.Int("budget", budget.MaxBytes),
		zap.Int("redactions", snap.Redactions),
		zap.String("hash", snap.Hash),
	)
	return snap, nil
}

// entries summarises every file and returns the readable contents keyed by
// path.
func (b *Builder) entries(files []File, budget Budget, snap *Snapshot) ([]Entry, map[string]string) {
	entries := make([]Entry, 0, len(files))
	full := make(map[string]string, len(files))
	for _, f := range files {
		lang := Language(f.Path)
		binary := f.Content != nil && IsBinary(f.Content)

		content := f.Content
		if content != nil && !binary && b.scrubber != nil {
			scrubbed, findings := b.scrubber.Scrub(string(content))
			if len(findings) > 0 {
				snap.Redactions += len(findings)
				content = []byte(scrubbed)
			}
		}

		summary, lines := summarize(f.Path, lang, f.Size, content, binary, budget.SummaryLines)
		entries = append(entries, Entry{
			Path:     f.Path,
			Mode:     ModeSummary,
			Language: lang,
			Size:     f.Size,
			Lines:    lines,
			Manifest: IsManifest(f.Path),
			Summary:  summary,
		})
		if content != nil && !binary {
			full[f.Path] = string(content)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, full
}

// fit applies the truncation policy to summarised entries.
func fit(entries []Entry, full map[string]string, limit int) ([]Entry, error) {
	total := 0
	for _, e := range entries {
		total += e.Cost()
	}

	if total > limit {
		return directoryFit(entries, full, limit)
	}

	order := make([]int, 0, len(entries))
	for i, e := range entries {
		if e.Manifest {
			order = append(order, i)
		}
	}
	for i, e := range entries {
		if !e.Manifest {
			order = append(order, i)
		}
	}

	remaining := limit - total
	for _, i := range order {
		content, ok := full[entries[i].Path]
		if !ok {
			continue
		}
		delta := len(content) - len(entries[i].Summary)
		if delta > remaining {
			continue
		}
		entries[i].Mode = ModeFull
		entries[i].Content = content
		remaining -= delta
	}
	return entries, nil
}

// directoryFit replaces per-file summaries with one entry per directory and
// then adds the manifests back: summarised at least, in full while the
// remaining budget allows.
func directoryFit(entries []Entry, full map[string]string, limit int) ([]Entry, error) {
	out := directoryListing(entries)
	used := 0
	for _, e := range out {
		used += e.Cost()
	}

	var manifests []Entry
	for _, e := range entries {
		if e.Manifest {
			manifests = append(manifests, e)
			used += e.Cost()
		}
	}
	if used > limit {
		return nil, failure.Newf(failure.BudgetExceeded, failure.StageSnapshot,
			"directory listing with %d manifest summaries needs %d bytes, budget is %d", len(manifests), used, limit)
	}

	for _, e := range manifests {
		if content, ok := full[e.Path]; ok {
			if delta := len(content) - len(e.Summary); delta <= limit-used {
				e.Mode = ModeFull
				e.Content = content
				used += delta
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// hashEntries digests a length-prefixed encoding of the repository, the
// analysis and every entry's visible representation; everything the prompt
// renders.
func hashEntries(r repo.Ref, a Analysis, entries []Entry) string {
	h := sha256.New()
	write := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	write(r.String())
	write(a.Language)
	write(a.Framework)
	write(strconv.FormatBool(a.HasTests) + strconv.FormatBool(a.HasDocs) + strconv.FormatBool(a.HasLicense))
	for _, list := range [][]string{a.Dependencies, a.SourceDirs, a.TestDirs, a.ConfigFiles} {
		write(strings.Join(list, "\n"))
	}
	for _, e := range entries {
		write(e.Path)
		write(string(e.Mode))
		if e.Mode == ModeFull {
			write(e.Content)
		} else {
			write(e.Summary)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
