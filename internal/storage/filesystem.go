package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// FilesystemDatabase is one directory per database, one file per bucket,
// grounded on SimpleDatabase/SimpleCollection in the original's
// src/common/databases.py.
type FilesystemDatabase struct {
	dir string

	mu   sync.Mutex
	open map[string]*filesystemBucket
}

// NewFilesystemDatabase opens (creating if absent) the directory tree for a
// named database under root.
func NewFilesystemDatabase(root, name string) (*FilesystemDatabase, error) {
	var dir = filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating database directory %s: %w", dir, err)
	}
	return &FilesystemDatabase{dir: dir, open: make(map[string]*filesystemBucket)}, nil
}

func (d *FilesystemDatabase) Open(_ context.Context, name string) (Bucket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.open[name]; ok {
		return b, nil
	}

	var path = filepath.Join(d.dir, name)
	var f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: opening bucket file %s: %w", path, err)
	}
	var b = &filesystemBucket{name: name, path: path, file: f}
	d.open[name] = b
	return b, nil
}

func (d *FilesystemDatabase) List(_ context.Context, prefix string) ([]string, error) {
	var re, reErr = regexp.Compile(prefix)
	if reErr != nil {
		return nil, fmt.Errorf("storage: compiling list pattern %q: %w", prefix, reErr)
	}
	var entries, err = os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("storage: listing %s: %w", d.dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && re.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (d *FilesystemDatabase) Export(_ context.Context, name string, dir string) (string, error) {
	d.mu.Lock()
	var b, ok = d.open[name]
	d.mu.Unlock()

	if ok {
		if err := b.file.Sync(); err != nil {
			return "", fmt.Errorf("storage: flushing %s before export: %w", name, err)
		}
		return b.path, nil
	}
	// The bucket isn't currently held open in-process (e.g. a restart);
	// export still just means "the file path", as in export_collection's
	// Path(self.path) fallback.
	return filepath.Join(d.dir, name), nil
}

func (d *FilesystemDatabase) Drop(_ context.Context, name string) error {
	d.mu.Lock()
	var b, ok = d.open[name]
	if ok {
		delete(d.open, name)
	}
	d.mu.Unlock()

	if ok {
		_ = b.file.Close()
	}
	var path = filepath.Join(d.dir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: dropping bucket %s: %w", name, err)
	}
	return nil
}

func (d *FilesystemDatabase) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, b := range d.open {
		if err := b.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.open = make(map[string]*filesystemBucket)
	return firstErr
}

type filesystemBucket struct {
	name string
	path string

	mu   sync.Mutex
	file *os.File
}

func (b *filesystemBucket) Name() string { return b.name }

func (b *filesystemBucket) Insert(_ context.Context, record any) error {
	var payload, err = json.Marshal(record)
	if err != nil {
		return fmt.Errorf("storage: marshaling record for %s: %w", b.name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var w = bufio.NewWriter(b.file)
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("storage: writing record to %s: %w", b.name, err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("storage: writing newline to %s: %w", b.name, err)
	}
	return w.Flush()
}
