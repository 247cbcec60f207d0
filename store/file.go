package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/moxio"
	"github.com/mjl-mta/relaylib/queue"
)

// FileStore persists each queued entry as two files, an envelope file
// (large, written once) and a metadata file (small, rewritten on every
// retry), both via write-to-temp-then-rename so a crash mid-write never
// leaves a corrupt file in place. Grounded on slimta's DiskStorage/DiskOps
// (original_source/slimta/queue/disk.py): same env_dir/meta_dir/tmp_dir
// split and the same "generate a random id, retry if taken" allocation
// scheme, with Python's pickle swapped for encoding/json (record.go) and
// the rename followed by an explicit directory fsync (moxio.SyncDir),
// which the Python original omits.
type FileStore struct {
	envDir  string
	metaDir string
	tmpDir  string
}

// NewFileStore creates a FileStore rooted at dir, with envDir, metaDir
// and tmpDir subdirectories created if absent.
func NewFileStore(dir string) (*FileStore, error) {
	s := &FileStore{
		envDir:  filepath.Join(dir, "env"),
		metaDir: filepath.Join(dir, "meta"),
		tmpDir:  filepath.Join(dir, "tmp"),
	}
	for _, d := range []string{s.envDir, s.metaDir, s.tmpDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, fmt.Errorf("store: creating %s: %w", d, err)
		}
	}
	return s, nil
}

func (s *FileStore) envPath(id string) string  { return filepath.Join(s.envDir, id) }
func (s *FileStore) metaPath(id string) string { return filepath.Join(s.metaDir, id+".meta") }

func newRandomID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("store: generating id: %w", err)
	}
	return id.String(), nil
}

func (s *FileStore) Write(ctx context.Context, env *message.Envelope, meta queue.Metadata) (string, error) {
	envBytes, err := encodeRecord(env, meta)
	if err != nil {
		return "", err
	}
	metaBytes, err := encodeMeta(meta)
	if err != nil {
		return "", err
	}
	for {
		id, err := newRandomID()
		if err != nil {
			return "", err
		}
		if _, err := os.Lstat(s.envPath(id)); err == nil {
			continue // id taken, try another, as slimta's DiskStorage.write does
		}
		if err := moxio.WriteFileAtomic(s.tmpDir, s.envPath(id), envBytes); err != nil {
			return "", fmt.Errorf("store: writing envelope for %s: %w", id, err)
		}
		if err := moxio.WriteFileAtomic(s.tmpDir, s.metaPath(id), metaBytes); err != nil {
			return "", fmt.Errorf("store: writing metadata for %s: %w", id, err)
		}
		return id, nil
	}
}

func (s *FileStore) Get(ctx context.Context, id string) (*message.Envelope, queue.Metadata, error) {
	envBytes, err := os.ReadFile(s.envPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, queue.Metadata{}, queue.ErrNotFound
		}
		return nil, queue.Metadata{}, fmt.Errorf("store: reading envelope for %s: %w", id, err)
	}
	env, _, err := decodeRecord(envBytes)
	if err != nil {
		return nil, queue.Metadata{}, err
	}
	metaBytes, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, queue.Metadata{}, queue.ErrNotFound
		}
		return nil, queue.Metadata{}, fmt.Errorf("store: reading metadata for %s: %w", id, err)
	}
	meta, err := decodeMeta(metaBytes)
	if err != nil {
		return nil, queue.Metadata{}, err
	}
	return env, meta, nil
}

func (s *FileStore) WriteMetadata(ctx context.Context, id string, meta queue.Metadata) error {
	if _, err := os.Lstat(s.envPath(id)); err != nil {
		if os.IsNotExist(err) {
			return queue.ErrNotFound
		}
		return fmt.Errorf("store: checking envelope for %s: %w", id, err)
	}
	b, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	if err := moxio.WriteFileAtomic(s.tmpDir, s.metaPath(id), b); err != nil {
		return fmt.Errorf("store: writing metadata for %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) SetRecipientsDelivered(ctx context.Context, id string, delivered []bool) error {
	_, meta, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	meta.Delivered = delivered
	return s.WriteMetadata(ctx, id, meta)
}

func (s *FileStore) LoadAll(ctx context.Context) ([]queue.StoreEntry, error) {
	names, err := os.ReadDir(s.envDir)
	if err != nil {
		return nil, fmt.Errorf("store: listing envelope dir: %w", err)
	}
	out := make([]queue.StoreEntry, 0, len(names))
	for _, n := range names {
		if n.IsDir() {
			continue
		}
		id := n.Name()
		env, meta, err := s.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("store: loading %s: %w", id, err)
		}
		out = append(out, queue.StoreEntry{ID: id, Env: env, Meta: meta})
	}
	return out, nil
}

func (s *FileStore) Remove(ctx context.Context, id string) error {
	if err := os.Remove(s.envPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: removing envelope for %s: %w", id, err)
	}
	if err := os.Remove(s.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: removing metadata for %s: %w", id, err)
	}
	return nil
}
