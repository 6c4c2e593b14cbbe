// Package manuscript versions thesis manuscripts as git repositories, one
// repo per thesis with chapters stored as markdown files. The commit history
// doubles as the revision trail students and advisers see, and the readiness
// check that gates workflow submission reads straight from HEAD.
package manuscript

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const mainBranch = "main"

// CommitInfo is one line of a chapter's revision history.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Chapter is a manuscript chapter at HEAD.
type Chapter struct {
	Slug    string `json:"slug"`
	Body    string `json:"body"`
	Updated CommitInfo
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureThesisRepo initializes the manuscript repo for a thesis if it does
// not exist yet. Idempotent.
func (s *Service) EnsureThesisRepo(thesisID, author string) error {
	lock := s.thesisLock(thesisID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(thesisID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(path, "chapters"), 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	readme := fmt.Sprintf("# Manuscript %s\n\nChapters live under chapters/.\n", thesisID)
	if err := os.WriteFile(filepath.Join(path, "README.md"), []byte(readme), 0o644); err != nil {
		return fmt.Errorf("write readme: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Add("README.md"); err != nil {
		return fmt.Errorf("git add readme: %w", err)
	}
	hash, err := worktree.Commit("Initialize manuscript", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// SaveChapter commits a new revision of one chapter.
func (s *Service) SaveChapter(thesisID, slug, body, author, message string) (CommitInfo, error) {
	lock := s.thesisLock(thesisID)
	lock.Lock()
	defer lock.Unlock()

	slug = Slugify(slug)
	if slug == "" {
		return CommitInfo{}, errors.New("empty chapter slug")
	}

	repo, err := git.PlainOpen(s.repoPath(thesisID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	relative := filepath.Join("chapters", slug+".md")
	full := filepath.Join(worktree.Filesystem.Root(), relative)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return CommitInfo{}, fmt.Errorf("create chapters dir: %w", err)
	}
	if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write chapter: %w", err)
	}
	if _, err := worktree.Add(relative); err != nil {
		return CommitInfo{}, fmt.Errorf("git add chapter: %w", err)
	}

	if message == "" {
		message = fmt.Sprintf("Update chapter %s", slug)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit chapter: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// GetChapter reads one chapter at HEAD.
func (s *Service) GetChapter(thesisID, slug string) (Chapter, error) {
	lock := s.thesisLock(thesisID)
	lock.Lock()
	defer lock.Unlock()

	slug = Slugify(slug)
	commitObj, err := s.headCommit(thesisID)
	if err != nil {
		return Chapter{}, err
	}
	body, err := readFileFromCommit(commitObj, "chapters/"+slug+".md")
	if err != nil {
		return Chapter{}, err
	}
	return Chapter{Slug: slug, Body: body, Updated: toCommitInfo(commitObj)}, nil
}

// ListChapters returns the slugs present at HEAD.
func (s *Service) ListChapters(thesisID string) ([]string, error) {
	lock := s.thesisLock(thesisID)
	lock.Lock()
	defer lock.Unlock()

	commitObj, err := s.headCommit(thesisID)
	if err != nil {
		return nil, err
	}
	tree, err := commitObj.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree: %w", err)
	}

	slugs := make([]string, 0)
	err = tree.Files().ForEach(func(f *object.File) error {
		if strings.HasPrefix(f.Name, "chapters/") && strings.HasSuffix(f.Name, ".md") {
			slugs = append(slugs, strings.TrimSuffix(strings.TrimPrefix(f.Name, "chapters/"), ".md"))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tree: %w", err)
	}
	return slugs, nil
}

// Ready reports whether every required chapter exists non-empty at HEAD, and
// which ones are missing. This verdict feeds the workflow's readiness check.
func (s *Service) Ready(thesisID string, required []string) (bool, []string, error) {
	lock := s.thesisLock(thesisID)
	lock.Lock()
	defer lock.Unlock()

	commitObj, err := s.headCommit(thesisID)
	if err != nil {
		return false, nil, err
	}

	missing := make([]string, 0)
	for _, name := range required {
		slug := Slugify(name)
		body, err := readFileFromCommit(commitObj, "chapters/"+slug+".md")
		if err != nil || strings.TrimSpace(body) == "" {
			missing = append(missing, slug)
		}
	}
	return len(missing) == 0, missing, nil
}

// History lists the commits touching one chapter, newest first.
func (s *Service) History(thesisID, slug string, limit int) ([]CommitInfo, error) {
	lock := s.thesisLock(thesisID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(thesisID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	fileName := "chapters/" + Slugify(slug) + ".md"
	iter, err := repo.Log(&git.LogOptions{
		From:     ref.Hash(),
		FileName: &fileName,
	})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) headCommit(thesisID string) (*object.Commit, error) {
	repo, err := git.PlainOpen(s.repoPath(thesisID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	return commitObj, nil
}

func (s *Service) repoPath(thesisID string) string {
	return filepath.Join(s.baseDir, thesisID)
}

func (s *Service) thesisLock(thesisID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[thesisID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[thesisID] = lock
	}
	return lock
}

func readFileFromCommit(commitObj *object.Commit, path string) (string, error) {
	file, err := commitObj.File(path)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", path, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return contents, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimRight(commitObj.Message, "\n"),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@portal.thesistrack.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

// Slugify lowercases a chapter name and folds everything that is not a
// letter or digit into single dashes.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "user"
	}
	return string(runes)
}
