package registry

import (
	"bytes"
	"crypto/sha1"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrStateCorrupt marks an unreadable snapshot; the file is preserved with a
// .bak suffix and the registry starts empty.
var ErrStateCorrupt = errors.New("registry: persisted state corrupt")

// snapshot is the gob-encoded on-disk form. The file is private to one host,
// so no cross-version schema is promised beyond the version byte.
type snapshot struct {
	Version int
	Blocks  []Block
}

const snapshotVersion = 1

// Save writes the registry metadata to path atomically.
func (r *Registry) Save(path string) error {
	snap := snapshot{Version: snapshotVersion, Blocks: r.List()}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blocks-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(snap); err != nil {
		tmp.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Restore loads a snapshot into an empty registry. A corrupt file is moved
// aside and ErrStateCorrupt returned; the registry stays usable (empty). A
// missing file is not an error.
func (r *Registry) Restore(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil || snap.Version != snapshotVersion {
		bak := path + ".bak"
		if renameErr := os.Rename(path, bak); renameErr != nil {
			log.Errorw("could not move corrupt state aside", "path", path, "err", renameErr)
		}
		log.Errorw("persisted state corrupt, starting empty", "path", path, "moved_to", bak)
		return fmt.Errorf("%w: %s", ErrStateCorrupt, path)
	}

	for _, b := range snap.Blocks {
		b.Playing = false
		r.Insert(b)
	}
	log.Infow("restored blocks", "count", len(snap.Blocks), "path", path)
	return nil
}

// Store is the content-addressed payload store: one file per SHA-1.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// Put writes the payload under its SHA-1 and returns the hex digest. Writing
// an already-stored payload is a no-op.
func (s *Store) Put(data []byte) (string, error) {
	sum := sha1.Sum(data)
	key := hex.EncodeToString(sum[:])
	path := filepath.Join(s.dir, key)
	if _, err := os.Stat(path); err == nil {
		return key, nil
	}

	tmp, err := os.CreateTemp(s.dir, ".obj-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return key, nil
}

// Get returns the payload for a digest.
func (s *Store) Get(key string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir, key))
}

// Has reports whether a payload is present.
func (s *Store) Has(key string) bool {
	_, err := os.Stat(filepath.Join(s.dir, key))
	return err == nil
}
