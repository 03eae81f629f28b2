package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const metaSuffix = ".meta"

// FSBlobStore keeps artifacts under a root directory. A JSON sidecar next to
// each file holds its metadata.
type FSBlobStore struct {
	root string
}

// NewFSBlobStore returns a store rooted at root, creating it if needed.
func NewFSBlobStore(root string) (*FSBlobStore, error) {
	if root == "" {
		root = "./output"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", root, err)
	}
	return &FSBlobStore{root: root}, nil
}

func (s *FSBlobStore) pathFor(key string) (string, error) {
	k, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(k)), nil
}

func (s *FSBlobStore) Put(_ context.Context, key string, content io.Reader, opts PutOptions) (*BlobMetadata, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, hash, err := readLimited(content)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir for %s: %w", key, err)
	}

	ct := opts.ContentType
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(path))
	}
	meta := BlobMetadata{
		Key:         filepath.ToSlash(filepath.Clean(key)),
		ContentType: ct,
		Size:        int64(len(data)),
		Hash:        hash,
		CreatedAt:   time.Now().UTC(),
		Tags:        opts.Tags,
	}

	// Write-then-rename; the key is replaced atomically.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("rename %s: %w", key, err)
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(path+metaSuffix, mb, 0o644); err != nil {
		return nil, fmt.Errorf("write metadata for %s: %w", key, err)
	}
	return &meta, nil
}

func (s *FSBlobStore) Get(_ context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", key, err)
	}
	meta, err := s.readMeta(path, key, int64(len(data)))
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), meta, nil
}

func (s *FSBlobStore) readMeta(path, key string, size int64) (*BlobMetadata, error) {
	var meta BlobMetadata
	mb, err := os.ReadFile(path + metaSuffix)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Files dropped in by hand have no sidecar.
		meta = BlobMetadata{Key: filepath.ToSlash(filepath.Clean(key)), Size: size}
		if fi, serr := os.Stat(path); serr == nil {
			meta.CreatedAt = fi.ModTime().UTC()
		}
	case err != nil:
		return nil, fmt.Errorf("read metadata for %s: %w", key, err)
	default:
		if err := json.Unmarshal(mb, &meta); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", key, err)
		}
	}
	return &meta, nil
}

func (s *FSBlobStore) List(_ context.Context, prefix string) ([]*BlobMetadata, error) {
	var out []*BlobMetadata
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, metaSuffix) || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		meta, err := s.readMeta(path, key, info.Size())
		if err != nil {
			return err
		}
		out = append(out, meta)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *FSBlobStore) Delete(_ context.Context, key string) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	_ = os.Remove(path + metaSuffix)
	return nil
}

func (s *FSBlobStore) Location(key string) string {
	path, err := s.pathFor(key)
	if err != nil {
		return filepath.Join(s.root, key)
	}
	return path
}
