package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/autodoc/internal/hosting"
	"github.com/fyrsmithlabs/autodoc/internal/ignore"
	"github.com/fyrsmithlabs/autodoc/internal/repo"
)

// File is one file read from a source. Content is nil when the file is
// larger than the read limit.
type File struct {
	Path    string
	Size    int64
	Content []byte
}

// Listing is the raw material of a snapshot.
type Listing struct {
	Repository repo.Ref
	Revision   string
	Files      []File
}

// Source produces a listing of a repository's files.
type Source interface {
	// List reads every non-ignored file. Files larger than maxFileSize are
	// listed without content.
	List(ctx context.Context, maxFileSize int64) (*Listing, error)

	// String describes the source for logs.
	String() string
}

// LocalSource reads a working copy on disk.
type LocalSource struct {
	Path string

	// Repository overrides the ref derived from the origin remote.
	Repository repo.Ref

	// Exclude holds extra doublestar patterns.
	Exclude []string
}

func (s LocalSource) String() string { return "local:" + s.Path }

// List implements Source.
func (s LocalSource) List(ctx context.Context, maxFileSize int64) (*Listing, error) {
	root, err := validatePath(s.Path)
	if err != nil {
		return nil, err
	}

	listing := &Listing{Repository: s.Repository}
	wc, err := repo.Open(root)
	switch {
	case errors.Is(err, repo.ErrNotRepository):
	case err != nil:
		return nil, err
	default:
		listing.Revision = wc.Head
		if listing.Repository.IsZero() {
			listing.Repository = wc.Remote
		}
	}

	matcher, err := ignore.Load(root, ignore.DefaultFiles, s.Exclude...)
	if err != nil {
		return nil, fmt.Errorf("loading ignore rules: %w", err)
	}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if matcher.MatchDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || matcher.Match(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		f := File{Path: rel, Size: info.Size()}
		if info.Size() <= maxFileSize {
			f.Content, err = os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("reading %s: %w", rel, err)
			}
		}
		listing.Files = append(listing.Files, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	sortFiles(listing.Files)
	return listing, nil
}

func validatePath(p string) (string, error) {
	if p == "" {
		return "", errors.New("path cannot be empty")
	}
	clean := filepath.Clean(p)
	info, err := os.Stat(clean)
	if err != nil {
		return "", fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path must be a directory: %s", clean)
	}
	return clean, nil
}

// RemoteSource reads a repository through the hosting API.
type RemoteSource struct {
	Host       hosting.Host
	Repository repo.Ref

	// Ref is a branch name or commit SHA. Empty means the default branch.
	Ref string

	Exclude []string

	// Concurrency bounds parallel blob fetches. Zero means 8.
	Concurrency int
}

func (s RemoteSource) String() string { return "remote:" + s.Repository.String() }

// List implements Source.
func (s RemoteSource) List(ctx context.Context, maxFileSize int64) (*Listing, error) {
	ref := s.Ref
	if ref == "" {
		info, err := s.Host.Repository(ctx, s.Repository)
		if err != nil {
			return nil, err
		}
		ref = info.DefaultBranch
	}

	tree, err := s.Host.Tree(ctx, s.Repository, ref)
	if err != nil {
		return nil, err
	}
	// A partial tree would still hash as if it were complete.
	if tree.Truncated {
		return nil, fmt.Errorf("tree of %s at %s is truncated after %d entries, use a local checkout", s.Repository, ref, len(tree.Entries))
	}

	matcher, err := s.matcher(ctx, tree)
	if err != nil {
		return nil, err
	}

	var files []File
	var shas []string
	for _, e := range tree.Entries {
		if e.Type != hosting.EntryBlob || matcher.Match(e.Path) {
			continue
		}
		files = append(files, File{Path: e.Path, Size: e.Size})
		shas = append(shas, e.SHA)
	}

	concurrency := s.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := range files {
		if files[i].Size > maxFileSize {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			data, err := s.Host.File(ctx, s.Repository, shas[i])
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("reading %s: %w", files[i].Path, err)
				}
				mu.Unlock()
				return
			}
			files[i].Content = data
		}(i)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	sortFiles(files)
	return &Listing{Repository: s.Repository, Revision: tree.Commit, Files: files}, nil
}

// matcher builds ignore rules from the fallback patterns and any ignore
// files at the tree root.
func (s RemoteSource) matcher(ctx context.Context, tree *hosting.Tree) (*ignore.Matcher, error) {
	patterns := append([]string{}, ignore.FallbackPatterns...)
	for _, name := range ignore.DefaultFiles {
		for _, e := range tree.Entries {
			if e.Path != name || e.Type != hosting.EntryBlob {
				continue
			}
			data, err := s.Host.File(ctx, s.Repository, e.SHA)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
			parsed, err := ignore.Parse(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", name, err)
			}
			patterns = append(patterns, parsed...)
		}
	}
	patterns = append(patterns, s.Exclude...)
	return ignore.New(patterns...)
}

func sortFiles(files []File) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}
