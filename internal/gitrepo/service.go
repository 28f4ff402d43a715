// Package gitrepo archives ticket documents in one git repository per
// ticket. Drafts accumulate on the drafts branch; shipping copies them onto
// main.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/coderaugment/bonsai-app-sub000/internal/store"
)

const (
	MainBranch   = "main"
	DraftsBranch = "drafts"
	ShippedTag   = "shipped"

	readmeFile = "README.md"
)

var (
	ErrNoRepository  = errors.New("gitrepo: ticket has no archive")
	ErrNoSuchVersion = errors.New("gitrepo: version not archived")
)

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// DocumentFile is the path a document type is archived under.
func DocumentFile(docType store.DocumentType) string {
	return string(docType) + ".md"
}

// VersionTag names the tag pointing at one archived version.
func VersionTag(docType store.DocumentType, version int) string {
	return fmt.Sprintf("%s-v%d", docType, version)
}

// ArchiveVersion commits doc onto the drafts branch and tags it.
func (s *Service) ArchiveVersion(ticketID string, doc store.Document, author string) error {
	lock := s.ticketLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(ticketID, author)
	if err != nil {
		return err
	}
	if err := ensureBranch(repo, DraftsBranch, MainBranch); err != nil {
		return err
	}
	message := fmt.Sprintf("%s v%d\n\ndocument=%s ticket=%s", doc.Type, doc.Version, doc.ID, ticketID)
	hash, err := s.commit(repo, DraftsBranch, map[string]string{DocumentFile(doc.Type): doc.Content}, nil, author, message, false)
	if err != nil {
		return err
	}
	return s.createTag(repo, hash, VersionTag(doc.Type, doc.Version))
}

// RemoveDocument deletes the document file from drafts and drops its version
// tags so recreated versions can be tagged again.
func (s *Service) RemoveDocument(ticketID string, docType store.DocumentType, author string) error {
	lock := s.ticketLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(ticketID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	if _, err := repo.Reference(plumbing.NewBranchReferenceName(DraftsBranch), true); err != nil {
		return nil
	}
	message := fmt.Sprintf("remove %s\n\nticket=%s", docType, ticketID)
	if _, err := s.commit(repo, DraftsBranch, nil, []string{DocumentFile(docType)}, author, message, true); err != nil {
		return err
	}
	return deleteTags(repo, string(docType)+"-v")
}

// ReadVersion returns the archived content of one version.
func (s *Service) ReadVersion(ticketID string, docType store.DocumentType, version int) (string, error) {
	lock := s.ticketLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(ticketID)
	if err != nil {
		return "", err
	}
	tagName := VersionTag(docType, version)
	ref, err := repo.Tag(tagName)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoSuchVersion, tagName)
	}
	commitObj, err := tagCommit(repo, ref)
	if err != nil {
		return "", err
	}
	file, err := commitObj.File(DocumentFile(docType))
	if err != nil {
		return "", fmt.Errorf("load %s from %s: %w", DocumentFile(docType), tagName, err)
	}
	return file.Contents()
}

// Ship copies the drafts tree onto main in a single commit and tags it.
func (s *Service) Ship(ticketID, author, message string) (CommitInfo, error) {
	lock := s.ticketLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(ticketID, author)
	if err != nil {
		return CommitInfo{}, err
	}
	if err := ensureBranch(repo, DraftsBranch, MainBranch); err != nil {
		return CommitInfo{}, err
	}

	drafts, err := branchFiles(repo, DraftsBranch)
	if err != nil {
		return CommitInfo{}, err
	}
	current, err := branchFiles(repo, MainBranch)
	if err != nil {
		return CommitInfo{}, err
	}
	var removed []string
	for name := range current {
		if _, ok := drafts[name]; !ok && name != readmeFile {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)

	shipMessage := fmt.Sprintf("%s\n\nmerge: source=%s target=%s actor=%s mode=copy-commit", message, DraftsBranch, MainBranch, author)
	hash, err := s.commit(repo, MainBranch, drafts, removed, author, shipMessage, true)
	if err != nil {
		return CommitInfo{}, err
	}
	_ = repo.DeleteTag(ShippedTag)
	if err := s.createTag(repo, hash, ShippedTag); err != nil {
		return CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read ship commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) History(ticketID, branchName string, limit int) ([]CommitInfo, error) {
	lock := s.ticketLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(ticketID)
	if err != nil {
		return nil, err
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
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

// Remove deletes the ticket's archive from disk.
func (s *Service) Remove(ticketID string) error {
	lock := s.ticketLock(ticketID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.repoPath(ticketID)); err != nil {
		return fmt.Errorf("remove archive: %w", err)
	}
	return nil
}

func (s *Service) repoPath(ticketID string) string {
	return filepath.Join(s.baseDir, ticketID)
}

func (s *Service) ticketLock(ticketID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[ticketID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[ticketID] = lock
	return lock
}

func (s *Service) open(ticketID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(ticketID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNoRepository, ticketID)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) ensureRepo(ticketID, author string) (*git.Repository, error) {
	path := s.repoPath(ticketID)
	if _, err := os.Stat(path); err == nil {
		return s.open(ticketID)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	readme := fmt.Sprintf("# %s\n\nDocument archive for ticket %s.\n", ticketID, ticketID)
	if err := os.WriteFile(filepath.Join(path, readmeFile), []byte(readme), 0o644); err != nil {
		return nil, fmt.Errorf("write readme: %w", err)
	}
	if _, err := worktree.Add(readmeFile); err != nil {
		return nil, fmt.Errorf("git add readme: %w", err)
	}
	hash, err := worktree.Commit("Open ticket archive", &git.CommitOptions{Author: s.signature(author)})
	if err != nil {
		return nil, fmt.Errorf("commit readme: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(MainBranch), hash)); err != nil {
		return nil, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(MainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func ensureBranch(repo *git.Repository, branchName, fromBranch string) error {
	branchRefName := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRefName, true); err == nil {
		return nil
	}

	fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(fromBranch), true)
	if err != nil {
		return fmt.Errorf("read source branch ref: %w", err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRefName, fromRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}
	return nil
}

func (s *Service) signature(author string) *object.Signature {
	if strings.TrimSpace(author) == "" {
		author = "Bonsai"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@bonsai.local", sanitizeEmail(author)),
		When:  s.now(),
	}
}

// commit writes files, removes paths and commits the result on branchName.
func (s *Service) commit(repo *git.Repository, branchName string, files map[string]string, removed []string, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	if err := checkoutBranch(repo, branchName); err != nil {
		return plumbing.ZeroHash, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(repoRoot, name), []byte(files[name]), 0o644); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := worktree.Add(name); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", name, err)
		}
	}
	for _, name := range removed {
		if _, err := os.Stat(filepath.Join(repoRoot, name)); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if _, err := worktree.Remove(name); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git rm %s: %w", name, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author:            s.signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func (s *Service) createTag(repo *git.Repository, hash plumbing.Hash, name string) error {
	_, err := repo.CreateTag(name, hash, &git.CreateTagOptions{
		Tagger:  s.signature("Bonsai"),
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag %s: %w", name, err)
	}
	return nil
}

func deleteTags(repo *git.Repository, prefix string) error {
	iter, err := repo.Tags()
	if err != nil {
		return fmt.Errorf("list tags: %w", err)
	}
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if name := ref.Name().Short(); strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate tags: %w", err)
	}
	for _, name := range names {
		if err := repo.DeleteTag(name); err != nil {
			return fmt.Errorf("delete tag %s: %w", name, err)
		}
	}
	return nil
}

func tagCommit(repo *git.Repository, ref *plumbing.Reference) (*object.Commit, error) {
	tagObj, err := repo.TagObject(ref.Hash())
	switch {
	case err == nil:
		return tagObj.Commit()
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return repo.CommitObject(ref.Hash())
	default:
		return nil, fmt.Errorf("read tag %s: %w", ref.Name().Short(), err)
	}
}

func branchFiles(repo *git.Repository, branchName string) (map[string]string, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load %s commit object: %w", branchName, err)
	}
	iter, err := commitObj.Files()
	if err != nil {
		return nil, fmt.Errorf("list %s files: %w", branchName, err)
	}
	files := make(map[string]string)
	err = iter.ForEach(func(file *object.File) error {
		contents, err := file.Contents()
		if err != nil {
			return err
		}
		files[file.Name] = contents
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s files: %w", branchName, err)
	}
	return files, nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
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
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}
