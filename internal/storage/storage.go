// Package storage implements the two interchangeable storage backends named
// in spec.md §6 and the capability split from §9's redesign flag: a Bucket
// capability (Insert) and a Database capability (List, Open, Export, Drop,
// Close), instead of the original's duck-typed four-method object.
package storage

import "context"

// Bucket is a single named, append-only sequence of events. One serialized
// record is written per line (spec.md §3, Bucket invariants).
type Bucket interface {
	// Insert appends a single JSON-encodable record as one line.
	Insert(ctx context.Context, record any) error
	// Name is the bucket's canonical name.
	Name() string
}

// Database is a named collection of Buckets, backed either by a filesystem
// tree or a document database (spec.md §6).
type Database interface {
	// Open returns (creating if absent) the Bucket with the given name.
	Open(ctx context.Context, name string) (Bucket, error)
	// List returns bucket names matching prefix, an unanchored regular
	// expression, mirroring the original's regex-filtered
	// list_collection_names.
	List(ctx context.Context, prefix string) ([]string, error)
	// Export returns the path of a single file holding a bucket's contents
	// as newline-delimited JSON. The document backend writes that file under
	// dir; the filesystem backend flushes the bucket's own file and returns
	// its path, leaving dir unused.
	Export(ctx context.Context, name string, dir string) (string, error)
	// Drop deletes a bucket's backing storage entirely. A bucket is only
	// ever closed by being dropped (spec.md §3, Bucket invariants).
	Drop(ctx context.Context, name string) error
	// Close releases any resources held by the database (file handles,
	// client connections).
	Close() error
}
