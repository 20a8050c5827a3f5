package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"easel/internal/shape"
)

// ErrNotFound marks a checkpoint lookup that matched nothing: an
// unknown canvas, hash or tag.
var ErrNotFound = errors.New("checkpoint not found")

// Snapshot is the canvas state stored in each checkpoint commit.
type Snapshot struct {
	CanvasID string        `json:"canvasId"`
	Shapes   []shape.Shape `json:"shapes"`
}

// CommitInfo describes one checkpoint in a canvas's history.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Archiver copies checkpoint payloads to long-term object storage.
type Archiver interface {
	Upload(ctx context.Context, canvasID, hash string, payload []byte) error
}

// Service keeps one git repository per canvas under baseDir. All
// checkpoints are commits of canvas.json on the main branch; named
// checkpoints are tags.
type Service struct {
	baseDir  string
	archiver Archiver
	lockMu   sync.Mutex
	locks    map[string]*sync.Mutex
}

// New creates a checkpoint service rooted at baseDir. archiver may be
// nil when object storage is not configured.
func New(baseDir string, archiver Archiver) *Service {
	return &Service{
		baseDir:  baseDir,
		archiver: archiver,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Save commits the given canvas state as a new checkpoint. The first
// save of a canvas initializes its repository.
func (s *Service) Save(canvasID string, shapes []shape.Shape, author, message string) (CommitInfo, error) {
	lock := s.canvasLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	repo, firstSave, err := s.openOrInit(canvasID)
	if err != nil {
		return CommitInfo{}, err
	}

	snap := Snapshot{CanvasID: canvasID, Shapes: shapes}
	if message == "" {
		message = fmt.Sprintf("Checkpoint with %d shapes", len(shapes))
	}

	hash, err := s.commit(repo, snap, author, message, firstSave)
	if err != nil {
		return CommitInfo{}, err
	}
	if firstSave {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
			return CommitInfo{}, fmt.Errorf("set main branch ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
			return CommitInfo{}, fmt.Errorf("set HEAD to main: %w", err)
		}
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	info := toCommitInfo(commitObj)

	s.archive(canvasID, info.Hash, snap)

	return info, nil
}

// History lists checkpoints newest first. A canvas with no repository
// yet has an empty history.
func (s *Service) History(canvasID string, limit int) ([]CommitInfo, error) {
	lock := s.canvasLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(canvasID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Restore reads the canvas state recorded at the given checkpoint.
// Short hashes and tag names both resolve.
func (s *Service) Restore(canvasID, hash string) (Snapshot, error) {
	lock := s.canvasLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(canvasID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Snapshot{}, fmt.Errorf("canvas %s: %w", canvasID, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Snapshot{}, fmt.Errorf("commit %s: %w", hash, ErrNotFound)
	}
	return readSnapshotFromCommit(commitObj)
}

// Tag gives a checkpoint a stable name. Tagging the same name twice is
// a no-op.
func (s *Service) Tag(canvasID, hash, name string) error {
	lock := s.canvasLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(canvasID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return fmt.Errorf("canvas %s: %w", canvasID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}

	_, err = repo.CreateTag(name, resolvedHash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Easel",
			Email: "easel@localhost",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) repoPath(canvasID string) string {
	return filepath.Join(s.baseDir, canvasID)
}

func (s *Service) canvasLock(canvasID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[canvasID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[canvasID] = lock
	return lock
}

func (s *Service) openOrInit(canvasID string) (*git.Repository, bool, error) {
	path := s.repoPath(canvasID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, false, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, false, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}
	return repo, true, nil
}

func (s *Service) commit(repo *git.Repository, snap Snapshot, author, message string, firstSave bool) (plumbing.Hash, error) {
	if !firstSave {
		if err := checkoutMain(repo); err != nil {
			return plumbing.ZeroHash, err
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal snapshot: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, "canvas.json"), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write canvas.json: %w", err)
	}

	if _, err := worktree.Add("canvas.json"); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.easel.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

func (s *Service) archive(canvasID, hash string, snap Snapshot) {
	if s.archiver == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Printf("checkpoint: marshal archive payload: %v", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.archiver.Upload(ctx, canvasID, hash, payload); err != nil {
			log.Printf("checkpoint: archive canvas %s checkpoint %s: %v", canvasID, hash, err)
		}
	}()
}

func checkoutMain(repo *git.Repository) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName("main")
	if _, err := repo.Reference(branchRef, true); err != nil {
		return fmt.Errorf("resolve main: %w", err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout main: %w", err)
	}
	return nil
}

func readSnapshotFromCommit(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File("canvas.json")
	if err != nil {
		return Snapshot{}, fmt.Errorf("load canvas.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	cleaned := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			cleaned = append(cleaned, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			cleaned = append(cleaned, '.')
		}
	}
	if len(cleaned) == 0 {
		return "user"
	}
	return string(cleaned)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve %s: %w", hash, ErrNotFound)
	}
	return *resolved, nil
}
