package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Store is the persistent tier. Implementations must make Save atomic: a
// concurrent or interrupted Save never leaves a partially written entry
// visible to Load.
type Store interface {
	// Load returns the entry for key, or nil when absent or unreadable.
	Load(key Key) (*Entry, error)
	// Save writes e, replacing any previous entry with the same key.
	Save(key Key, e *Entry) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key Key) error
	// List returns every entry of kind.
	List(kind Kind) ([]*Entry, error)
	// Clear removes every entry of kind, or of every kind when kind is
	// empty, and returns the number removed.
	Clear(kind Kind) (int, error)
	// Close releases resources held by the store.
	Close() error
}

// kindDirs maps kinds to their directory under the cache root.
var kindDirs = map[Kind]string{
	KindSearch:     "searches",
	KindArticle:    "papers",
	KindAbstract:   "abstracts",
	KindOpenAccess: "openaccess",
	KindFulltext:   "fulltext-meta",
}

// FileStore persists one JSON document per entry under
// <root>/<kind dir>/<id>.json.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at dir, creating the kind
// directories as needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("cache directory is required")
	}
	for _, sub := range kindDirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
	}
	return &FileStore{root: dir}, nil
}

// Root returns the directory the store writes under.
func (s *FileStore) Root() string {
	return s.root
}

// Dir returns the directory holding entries of kind.
func (s *FileStore) Dir(kind Kind) string {
	sub, ok := kindDirs[kind]
	if !ok {
		sub = sanitizeID(string(kind))
	}
	return filepath.Join(s.root, sub)
}

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.Dir(key.Kind), key.ID+".json")
}

// Load implements Store. Unparseable files are reported as absent.
func (s *FileStore) Load(key Key) (*Entry, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache entry %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, nil
	}
	return &e, nil
}

// Save implements Store. The entry is written to a temporary file in the
// same directory and renamed into place.
func (s *FileStore) Save(key Key, e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cache entry %s: %w", key, err)
	}
	return WriteFileAtomic(s.path(key), data, 0o644)
}

// Delete implements Store.
func (s *FileStore) Delete(key Key) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting cache entry %s: %w", key, err)
	}
	return nil
}

// List implements Store. Unreadable files are skipped.
func (s *FileStore) List(kind Kind) ([]*Entry, error) {
	files, err := filepath.Glob(filepath.Join(s.Dir(kind), "*.json"))
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			// Keep the key so corrupt files can still be cleaned.
			e = Entry{Key: string(kind) + ":" + strings.TrimSuffix(filepath.Base(f), ".json"), Kind: kind}
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// Clear implements Store.
func (s *FileStore) Clear(kind Kind) (int, error) {
	kinds := []Kind{kind}
	if kind == "" {
		kinds = Kinds
	}
	removed := 0
	for _, k := range kinds {
		files, err := filepath.Glob(filepath.Join(s.Dir(k), "*.json"))
		if err != nil {
			return removed, err
		}
		for _, f := range files {
			if err := os.Remove(f); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

// WriteFileAtomic writes data to path through a temporary file in the same
// directory followed by a rename, so readers see either the old or the new
// content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
