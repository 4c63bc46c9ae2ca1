// Package localstore is the filesystem blob-store backend for single-node
// deployments. Page writes land in a per-chapter staging directory and
// become visible only when the whole chapter is swapped into the published
// tree, so readers never observe a half-written chapter.
package localstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"mangrove/internal/ingest"
)

// Store implements ingest.BlobStore and ingest.StagedStore on a local
// directory tree:
//
//	root/archives/  raw uploaded archives
//	root/staging/   in-flight chapter directories
//	root/chapters/  published chapter directories
type Store struct {
	root      string
	committer *ingest.Committer
	log       *slog.Logger
}

// New prepares the directory tree under root.
func New(root string, log *slog.Logger) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, "archives"), filepath.Join(root, "staging"), filepath.Join(root, "chapters")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare local store dir %s: %w", dir, err)
		}
	}
	return &Store{root: root, committer: ingest.NewCommitter(log), log: log}, nil
}

// chapterDir extracts the per-chapter directory name from a page key or
// chapter prefix ("naruto-ch3-page001.jpg" and "naruto-ch3-page" both map
// to "naruto-ch3").
func chapterDir(keyOrPrefix string) string {
	if i := strings.LastIndex(keyOrPrefix, "-page"); i > 0 {
		return keyOrPrefix[:i]
	}
	return "misc"
}

func (s *Store) stagingPath(key string) string {
	return filepath.Join(s.root, "staging", chapterDir(key), key)
}

func (s *Store) publishedPath(key string) string {
	return filepath.Join(s.root, "chapters", chapterDir(key), key)
}

// PutObject writes one page into the chapter's staging directory.
func (s *Store) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	_ = contentType
	path := s.stagingPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("prepare staging dir for %s: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write staged page %s: %w", key, err)
	}
	return nil
}

// DeleteObject removes a page from staging or from the published tree,
// whichever holds it. Missing keys are not an error: compensation must be
// idempotent.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	for _, path := range []string{s.stagingPath(key), s.publishedPath(key)} {
		err := os.Remove(path)
		if err == nil {
			continue
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("delete page %s: %w", key, err)
		}
	}
	return nil
}

// ListObjects returns keys under prefix from both the published tree and
// staging.
func (s *Store) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	dir := chapterDir(prefix)
	for _, base := range []string{filepath.Join(s.root, "chapters", dir), filepath.Join(s.root, "staging", dir)} {
		entries, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("list pages under %s: %w", prefix, err)
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
				keys = append(keys, e.Name())
			}
		}
	}
	return keys, nil
}

// GetObject reads a published page.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.publishedPath(key))
	if err != nil {
		return nil, fmt.Errorf("read page %s: %w", key, err)
	}
	return data, nil
}

// CommitStaging publishes the chapter's staging directory with the
// backup-swap-cleanup protocol. Every staged file is link-checked first:
// the extraction step writing through a smuggled symlink is exactly the
// state this check exists to catch.
func (s *Store) CommitStaging(ctx context.Context, chapterPrefix string) error {
	dir := chapterDir(chapterPrefix)
	stagingDir := filepath.Join(s.root, "staging", dir)
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return &ingest.Error{Kind: ingest.KindStoreWriteFailed, Message: fmt.Sprintf("read staging dir %s: %v", stagingDir, err), Hint: "the chapter could not be published"}
	}
	for _, e := range entries {
		path := filepath.Join(stagingDir, e.Name())
		if safe, kind, reason := ingest.CheckLinkSafety(path); !safe {
			return &ingest.Error{
				Kind:    ingest.KindSecurityViolation,
				Message: fmt.Sprintf("staged file %s is unsafe (%s): %s", e.Name(), kind, reason),
				Hint:    "the archive was rejected by security checks",
			}
		}
	}
	return s.committer.Commit(stagingDir, filepath.Join(s.root, "chapters", dir))
}

// DiscardStaging drops any in-flight staging directory for the chapter.
func (s *Store) DiscardStaging(ctx context.Context, chapterPrefix string) error {
	return os.RemoveAll(filepath.Join(s.root, "staging", chapterDir(chapterPrefix)))
}

// StoreArchive spools a raw uploaded archive under root/archives.
func (s *Store) StoreArchive(ctx context.Context, key string, r io.Reader, size int64) error {
	_ = size
	path := filepath.Join(s.root, "archives", filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("prepare archive dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create raw archive %s: %w", key, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return fmt.Errorf("write raw archive %s: %w", key, err)
	}
	return nil
}

// FetchArchive reads a spooled raw archive.
func (s *Store) FetchArchive(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, "archives", filepath.FromSlash(key)))
	if err != nil {
		return nil, fmt.Errorf("read raw archive %s: %w", key, err)
	}
	return data, nil
}

// DeleteArchive removes a spooled raw archive.
func (s *Store) DeleteArchive(ctx context.Context, key string) error {
	err := os.Remove(filepath.Join(s.root, "archives", filepath.FromSlash(key)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete raw archive %s: %w", key, err)
	}
	return nil
}
