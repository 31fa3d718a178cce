package medium

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var _ Medium = (*Files)(nil)

const fileSuffix = ".json"

// Files keeps one <key>.json file per entry under a directory.
type Files struct {
	fs  afero.Fs
	dir string
}

// NewFiles creates the directory if needed. A nil fs means the OS file system.
func NewFiles(fsys afero.Fs, dir string) (*Files, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if dir == "" {
		dir = "cache"
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}
	return &Files{fs: fsys, dir: dir}, nil
}

// Dir returns the directory holding the entries.
func (f *Files) Dir() string {
	return f.dir
}

func (f *Files) path(key string) string {
	return filepath.Join(f.dir, safeName(key)+fileSuffix)
}

// Read returns the stored bytes for key.
func (f *Files) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(f.fs, f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// Write replaces the file through a temp file and rename, so readers never
// observe a half-written entry.
func (f *Files) Write(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := afero.TempFile(f.fs, f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = f.fs.Remove(name)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = f.fs.Remove(name)
		return err
	}
	if err := f.fs.Rename(name, f.path(key)); err != nil {
		_ = f.fs.Remove(name)
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

// List returns the keys of every stored entry.
func (f *Files) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(f.fs, f.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, fileSuffix))
	}
	return keys, nil
}

// Delete removes the entry. Deleting a missing key is not an error.
func (f *Files) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := f.fs.Remove(f.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Close is a no-op.
func (f *Files) Close() error {
	return nil
}

// safeName keeps keys from escaping the cache directory.
func safeName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}
