// Package hostingtest provides an in-memory hosting.Host for tests.
package hostingtest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/autodoc/internal/hosting"
	"github.com/fyrsmithlabs/autodoc/internal/repo"
)

// Operation names used for fault injection and call counting.
const (
	OpRepository        = "Repository"
	OpTree              = "Tree"
	OpFile              = "File"
	OpBranchHead        = "BranchHead"
	OpCreateBranch      = "CreateBranch"
	OpUpdateBranch      = "UpdateBranch"
	OpResetBranch       = "ResetBranch"
	OpCreateCommit      = "CreateCommit"
	OpFindCommit        = "FindCommit"
	OpFindPullRequest   = "FindPullRequest"
	OpCreatePullRequest = "CreatePullRequest"
	OpUpdatePullRequest = "UpdatePullRequest"
)

var writeOps = map[string]bool{
	OpCreateBranch:      true,
	OpUpdateBranch:      true,
	OpResetBranch:       true,
	OpCreateCommit:      true,
	OpCreatePullRequest: true,
	OpUpdatePullRequest: true,
}

type commit struct {
	hosting.Commit
	files map[string][]byte
}

type repository struct {
	info     hosting.Repository
	commits  map[string]*commit
	branches map[string]string
	blobs    map[string][]byte
	prs      []*hosting.PullRequest
}

// Fault is an injected failure.
type Fault struct {
	Err error
	// After runs the real operation first and then returns Err, simulating
	// a response lost after the write happened.
	After bool
}

// Fake is an in-memory hosting platform. It is safe for concurrent use.
type Fake struct {
	mu     sync.Mutex
	repos  map[repo.Ref]*repository
	calls  map[string]int
	faults map[string][]Fault
	hooks  map[string]func()

	treeLimit int
}

var _ hosting.Host = (*Fake)(nil)

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		repos:  make(map[repo.Ref]*repository),
		calls:  make(map[string]int),
		faults: make(map[string][]Fault),
		hooks:  make(map[string]func()),
	}
}

// AddRepository creates a repository whose default branch holds files in
// a single commit, and returns that commit's SHA.
func (f *Fake) AddRepository(r repo.Ref, defaultBranch string, files map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	rp := &repository{
		info:     hosting.Repository{Ref: r, DefaultBranch: defaultBranch, HTMLURL: "https://example.test/" + r.String()},
		commits:  make(map[string]*commit),
		branches: make(map[string]string),
		blobs:    make(map[string][]byte),
	}
	f.repos[r] = rp

	contents := make(map[string][]byte, len(files))
	for p, c := range files {
		contents[p] = []byte(c)
	}
	c := rp.newCommit("", "initial commit", contents)
	rp.branches[defaultBranch] = c.SHA
	return c.SHA
}

// Push advances branch with a new commit that overwrites files, as
// another user would. It is not counted as a write.
func (f *Fake) Push(r repo.Ref, branch, message string, files map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	rp := f.repos[r]
	parent := rp.branches[branch]
	contents := make(map[string][]byte)
	if pc := rp.commits[parent]; pc != nil {
		for p, c := range pc.files {
			contents[p] = c
		}
	}
	for p, c := range files {
		contents[p] = []byte(c)
	}
	c := rp.newCommit(parent, message, contents)
	rp.branches[branch] = c.SHA
	return c.SHA
}

// LimitTrees caps Tree listings at n entries and marks longer ones
// truncated, as the platform does for very large repositories. Zero
// removes the cap.
func (f *Fake) LimitTrees(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.treeLimit = n
}

// FailNext queues a failure for the next call to op.
func (f *Fake) FailNext(op string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], fault)
}

// OnCall runs fn, outside the fake's lock, before every call to op.
func (f *Fake) OnCall(op string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[op] = fn
}

// Calls returns how often op was called.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Writes returns the number of mutating calls, including failed ones.
func (f *Fake) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for op, c := range f.calls {
		if writeOps[op] {
			n += c
		}
	}
	return n
}

// Head returns the SHA a branch points at, or "".
func (f *Fake) Head(r repo.Ref, branch string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rp := f.repos[r]; rp != nil {
		return rp.branches[branch]
	}
	return ""
}

// FileAt returns a file's contents at a branch head.
func (f *Fake) FileAt(r repo.Ref, branch, path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rp := f.repos[r]
	if rp == nil {
		return "", false
	}
	c := rp.commits[rp.branches[branch]]
	if c == nil {
		return "", false
	}
	data, ok := c.files[path]
	return string(data), ok
}

// CommitCount returns the number of commits in the repository.
func (f *Fake) CommitCount(r repo.Ref) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.repos[r].commits)
}

// PullRequests returns copies of every pull request.
func (f *Fake) PullRequests(r repo.Ref) []hosting.PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []hosting.PullRequest
	for _, pr := range f.repos[r].prs {
		out = append(out, *pr)
	}
	return out
}

// enter records the call, runs hooks and returns any queued fault. The
// caller must hold no lock; on return the lock is held.
func (f *Fake) enter(ctx context.Context, op string) (*Fault, error) {
	f.mu.Lock()
	hook := f.hooks[op]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	f.calls[op]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q := f.faults[op]; len(q) > 0 {
		fault := q[0]
		f.faults[op] = q[1:]
		return &fault, nil
	}
	return nil, nil
}

func (f *Fake) repo(op string, r repo.Ref) (*repository, error) {
	rp := f.repos[r]
	if rp == nil {
		return nil, hosting.Errorf(hosting.KindNotFound, op, "repository %s not found", r)
	}
	return rp, nil
}

// finish applies an injected fault around the real result.
func finish[T any](fault *Fault, v T, err error) (T, error) {
	var zero T
	if fault == nil {
		return v, err
	}
	if fault.After && err == nil {
		return zero, fault.Err
	}
	if fault.After {
		return v, err
	}
	return zero, fault.Err
}

// Repository implements hosting.Host.
func (f *Fake) Repository(ctx context.Context, r repo.Ref) (*hosting.Repository, error) {
	fault, err := f.enter(ctx, OpRepository)
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fault != nil && !fault.After {
		return nil, fault.Err
	}
	rp, err := f.repo(OpRepository, r)
	if err != nil {
		return nil, err
	}
	info := rp.info
	return finish(fault, &info, nil)
}

// Tree implements hosting.Host.
func (f *Fake) Tree(ctx context.Context, r repo.Ref, ref string) (*hosting.Tree, error) {
	fault, err := f.enter(ctx, OpTree)
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fault != nil && !fault.After {
		return nil, fault.Err
	}
	rp, err := f.repo(OpTree, r)
	if err != nil {
		return nil, err
	}
	sha := ref
	if head, ok := rp.branches[ref]; ok {
		sha = head
	}
	c := rp.commits[sha]
	if c == nil {
		return nil, hosting.Errorf(hosting.KindNotFound, OpTree, "ref %s not found", ref)
	}
	t := &hosting.Tree{Commit: c.SHA, SHA: c.TreeSHA}
	for p, data := range c.files {
		t.Entries = append(t.Entries, hosting.TreeEntry{
			Path: p, Type: hosting.EntryBlob, Mode: "100644", Size: int64(len(data)), SHA: blobSHA(data),
		})
	}
	sort.Slice(t.Entries, func(i, j int) bool { return t.Entries[i].Path < t.Entries[j].Path })
	if f.treeLimit > 0 && len(t.Entries) > f.treeLimit {
		t.Entries = t.Entries[:f.treeLimit]
		t.Truncated = true
	}
	return finish(fault, t, nil)
}

// File implements hosting.Host.
func (f *Fake) File(ctx context.Context, r repo.Ref, sha string) ([]byte, error) {
	fault, err := f.enter(ctx, OpFile)
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fault != nil && !fault.After {
		return nil, fault.Err
	}
	rp, err := f.repo(OpFile, r)
	if err != nil {
		return nil, err
	}
	data, ok := rp.blobs[sha]
	if !ok {
		return nil, hosting.Errorf(hosting.KindNotFound, OpFile, "blob %s not found", sha)
	}
	return finish(fault, append([]byte(nil), data...), nil)
}

// BranchHead implements hosting.Host.
func (f *Fake) BranchHead(ctx context.Context, r repo.Ref, branch string) (string, error) {
	fault, err := f.enter(ctx, OpBranchHead)
	defer f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if fault != nil && !fault.After {
		return "", fault.Err
	}
	rp, err := f.repo(OpBranchHead, r)
	if err != nil {
		return "", err
	}
	head, ok := rp.branches[branch]
	if !ok {
		return "", hosting.Errorf(hosting.KindNotFound, OpBranchHead, "branch %s not found", branch)
	}
	return finish(fault, head, nil)
}

// CreateBranch implements hosting.Host.
func (f *Fake) CreateBranch(ctx context.Context, r repo.Ref, branch, sha string) error {
	fault, err := f.enter(ctx, OpCreateBranch)
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	if fault != nil && !fault.After {
		return fault.Err
	}
	rp, err := f.repo(OpCreateBranch, r)
	if err != nil {
		return err
	}
	if _, ok := rp.branches[branch]; ok {
		return hosting.Errorf(hosting.KindConflict, OpCreateBranch, "branch %s already exists", branch)
	}
	if rp.commits[sha] == nil {
		return hosting.Errorf(hosting.KindNotFound, OpCreateBranch, "commit %s not found", sha)
	}
	rp.branches[branch] = sha
	_, err = finish(fault, struct{}{}, nil)
	return err
}

// UpdateBranch implements hosting.Host.
func (f *Fake) UpdateBranch(ctx context.Context, r repo.Ref, branch, sha string) error {
	fault, err := f.enter(ctx, OpUpdateBranch)
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	if fault != nil && !fault.After {
		return fault.Err
	}
	rp, err := f.repo(OpUpdateBranch, r)
	if err != nil {
		return err
	}
	head, ok := rp.branches[branch]
	if !ok {
		return hosting.Errorf(hosting.KindNotFound, OpUpdateBranch, "branch %s not found", branch)
	}
	if rp.commits[sha] == nil {
		return hosting.Errorf(hosting.KindNotFound, OpUpdateBranch, "commit %s not found", sha)
	}
	if !rp.descends(sha, head) {
		return hosting.Errorf(hosting.KindConflict, OpUpdateBranch, "update is not a fast forward")
	}
	rp.branches[branch] = sha
	_, err = finish(fault, struct{}{}, nil)
	return err
}

// ResetBranch implements hosting.Host.
func (f *Fake) ResetBranch(ctx context.Context, r repo.Ref, branch, sha string) error {
	fault, err := f.enter(ctx, OpResetBranch)
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	if fault != nil && !fault.After {
		return fault.Err
	}
	rp, err := f.repo(OpResetBranch, r)
	if err != nil {
		return err
	}
	if _, ok := rp.branches[branch]; !ok {
		return hosting.Errorf(hosting.KindNotFound, OpResetBranch, "branch %s not found", branch)
	}
	if rp.commits[sha] == nil {
		return hosting.Errorf(hosting.KindNotFound, OpResetBranch, "commit %s not found", sha)
	}
	rp.branches[branch] = sha
	_, err = finish(fault, struct{}{}, nil)
	return err
}

// CreateCommit implements hosting.Host.
func (f *Fake) CreateCommit(ctx context.Context, r repo.Ref, parent, message string, files []hosting.FileChange) (*hosting.Commit, error) {
	fault, err := f.enter(ctx, OpCreateCommit)
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fault != nil && !fault.After {
		return nil, fault.Err
	}
	rp, err := f.repo(OpCreateCommit, r)
	if err != nil {
		return nil, err
	}
	pc := rp.commits[parent]
	if pc == nil {
		return nil, hosting.Errorf(hosting.KindNotFound, OpCreateCommit, "parent %s not found", parent)
	}
	contents := make(map[string][]byte, len(pc.files)+len(files))
	for p, c := range pc.files {
		contents[p] = c
	}
	for _, fc := range files {
		contents[fc.Path] = fc.Content
	}
	c := rp.newCommit(parent, message, contents)
	out := c.Commit
	return finish(fault, &out, nil)
}

// FindCommit implements hosting.Host.
func (f *Fake) FindCommit(ctx context.Context, r repo.Ref, branch, marker string) (*hosting.Commit, error) {
	fault, err := f.enter(ctx, OpFindCommit)
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fault != nil && !fault.After {
		return nil, fault.Err
	}
	rp, err := f.repo(OpFindCommit, r)
	if err != nil {
		return nil, err
	}
	sha, ok := rp.branches[branch]
	if !ok {
		return nil, hosting.Errorf(hosting.KindNotFound, OpFindCommit, "branch %s not found", branch)
	}
	for i := 0; i < 50 && sha != ""; i++ {
		c := rp.commits[sha]
		if strings.Contains(c.Message, marker) {
			out := c.Commit
			return finish(fault, &out, nil)
		}
		if len(c.Parents) == 0 {
			break
		}
		sha = c.Parents[0]
	}
	return nil, hosting.Errorf(hosting.KindNotFound, OpFindCommit, "no commit with marker on %s", branch)
}

// FindPullRequest implements hosting.Host.
func (f *Fake) FindPullRequest(ctx context.Context, r repo.Ref, head, base string) (*hosting.PullRequest, error) {
	fault, err := f.enter(ctx, OpFindPullRequest)
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fault != nil && !fault.After {
		return nil, fault.Err
	}
	rp, err := f.repo(OpFindPullRequest, r)
	if err != nil {
		return nil, err
	}
	for _, pr := range rp.prs {
		if pr.Head == head && pr.Base == base && pr.State == "open" {
			out := *pr
			return finish(fault, &out, nil)
		}
	}
	return nil, hosting.Errorf(hosting.KindNotFound, OpFindPullRequest, "no open pull request from %s", head)
}

// CreatePullRequest implements hosting.Host.
func (f *Fake) CreatePullRequest(ctx context.Context, r repo.Ref, npr hosting.NewPullRequest) (*hosting.PullRequest, error) {
	fault, err := f.enter(ctx, OpCreatePullRequest)
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fault != nil && !fault.After {
		return nil, fault.Err
	}
	rp, err := f.repo(OpCreatePullRequest, r)
	if err != nil {
		return nil, err
	}
	for _, pr := range rp.prs {
		if pr.Head == npr.Head && pr.Base == npr.Base && pr.State == "open" {
			return nil, hosting.Errorf(hosting.KindConflict, OpCreatePullRequest, "a pull request already exists for %s", npr.Head)
		}
	}
	if _, ok := rp.branches[npr.Head]; !ok {
		return nil, hosting.Errorf(hosting.KindNotFound, OpCreatePullRequest, "head branch %s not found", npr.Head)
	}
	number := len(rp.prs) + 1
	pr := &hosting.PullRequest{
		Number: number,
		URL:    fmt.Sprintf("%s/pull/%d", rp.info.HTMLURL, number),
		Head:   npr.Head,
		Base:   npr.Base,
		Title:  npr.Title,
		Body:   npr.Body,
		Draft:  npr.Draft,
		State:  "open",
	}
	rp.prs = append(rp.prs, pr)
	out := *pr
	return finish(fault, &out, nil)
}

// UpdatePullRequest implements hosting.Host.
func (f *Fake) UpdatePullRequest(ctx context.Context, r repo.Ref, number int, title, body string) (*hosting.PullRequest, error) {
	fault, err := f.enter(ctx, OpUpdatePullRequest)
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fault != nil && !fault.After {
		return nil, fault.Err
	}
	rp, err := f.repo(OpUpdatePullRequest, r)
	if err != nil {
		return nil, err
	}
	for _, pr := range rp.prs {
		if pr.Number == number {
			pr.Title = title
			pr.Body = body
			out := *pr
			return finish(fault, &out, nil)
		}
	}
	return nil, hosting.Errorf(hosting.KindNotFound, OpUpdatePullRequest, "pull request %d not found", number)
}

func (rp *repository) newCommit(parent, message string, files map[string][]byte) *commit {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	th := sha1.New()
	for _, p := range paths {
		fmt.Fprintf(th, "%s\x00%s\x00", p, blobSHA(files[p]))
		rp.blobs[blobSHA(files[p])] = files[p]
	}
	treeSHA := hex.EncodeToString(th.Sum(nil))

	ch := sha1.New()
	fmt.Fprintf(ch, "%s\x00%s\x00%s\x00%d", parent, treeSHA, message, len(rp.commits))
	c := &commit{
		Commit: hosting.Commit{SHA: hex.EncodeToString(ch.Sum(nil)), TreeSHA: treeSHA, Message: message},
		files:  files,
	}
	if parent != "" {
		c.Parents = []string{parent}
	}
	rp.commits[c.SHA] = c
	return c
}

// descends reports whether sha has ancestor among its first-parent chain
// (including itself).
func (rp *repository) descends(sha, ancestor string) bool {
	for sha != "" {
		if sha == ancestor {
			return true
		}
		c := rp.commits[sha]
		if c == nil || len(c.Parents) == 0 {
			return false
		}
		sha = c.Parents[0]
	}
	return false
}

func blobSHA(data []byte) string {
	h := sha1.Sum(data)
	return hex.EncodeToString(h[:])
}
