// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package parsecache memoizes a full analyzer pass (bottom-up, top-
// down, caller-callee, histogram and chart) against the trace file it
// was computed from, so that repeated print invocations over an
// unchanged file with the same display filters skip rebuilding those
// views. Parsing itself still runs on every invocation. It is pure
// caching: a cold or cleared cache rebuilds and produces byte-identical
// results.
package parsecache

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"io"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/antimetal/heaptrace/internal/analyzer/aggregate"
	"github.com/antimetal/heaptrace/pkg/errors"
)

// schemaVersion is folded into every key. Bumping it invalidates every
// entry written by a previous build without needing to walk and delete
// them; stale entries simply become permanently unreachable misses and
// badger's garbage collector reclaims them over time.
const schemaVersion = 1

// FileHash is a trace file's content digest, the first half of every
// cache key.
type FileHash [sha256.Size]byte

// HashFile digests r's full contents. The caller is expected to pass a
// freshly opened, unread file handle; HashFile consumes r to EOF.
func HashFile(r io.Reader) (FileHash, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return FileHash{}, fmt.Errorf("hashing trace file: %w", err)
	}
	var fh FileHash
	copy(fh[:], h.Sum(nil))
	return fh, nil
}

// Filter names the print-time display options that change a view's
// content rather than merely its rendering, and therefore must be part
// of the cache key alongside the file hash. Options that only affect
// how an already-built aggregate.Result gets printed (output path,
// ANSI color, etc.) do not belong here.
type Filter struct {
	// ShortenTemplates collapses template instantiations to their
	// outermost name before two otherwise-identical call sites are
	// merged into one Symbol.
	ShortenTemplates bool
	// MergeBacktraces merges call sites that differ only in an
	// inlined leaf frame before building the bottom-up/top-down/
	// caller-callee views.
	MergeBacktraces bool
}

func (f Filter) key() string {
	return fmt.Sprintf("%d/%t/%t", schemaVersion, f.ShortenTemplates, f.MergeBacktraces)
}

// buildKey composes the badger key for hash/filter as slash-joined
// parts: hex file hash, schema version, then the filter flags.
func buildKey(hash FileHash, filter Filter) []byte {
	return []byte(fmt.Sprintf("%x/%s", hash[:], filter.key()))
}

// Cache wraps an embedded, process-local badger database. A Cache is
// safe for concurrent use.
type Cache struct {
	db *badger.DB
}

// Open opens (creating if necessary) an on-disk cache rooted at dir.
func Open(dir string) (*Cache, error) {
	db, err := badger.Open(badger.DefaultOptions(dir))
	if err != nil {
		return nil, fmt.Errorf("opening parse cache at %s: %w", dir, err)
	}
	return &Cache{db: db}, nil
}

// OpenInMemory opens a cache that never touches disk, for short-lived
// processes and tests.
func OpenInMemory() (*Cache, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true))
	if err != nil {
		return nil, fmt.Errorf("opening in-memory parse cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get looks up the cached result for hash/filter. The second return
// value is false on a miss; it is never an error by itself, since a
// miss is the expected steady state of a cold or just-invalidated
// cache.
func (c *Cache) Get(hash FileHash, filter Filter) (*aggregate.Result, bool, error) {
	key := buildKey(hash, filter)

	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(raw)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading parse cache: %w", err)
	}

	var res aggregate.Result
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&res); err != nil {
		// A corrupt or cross-version entry is treated like a miss: the
		// caller reparses and Put overwrites it below.
		return nil, false, nil
	}
	return &res, true, nil
}

// Put stores res under hash/filter, replacing any existing entry.
func (c *Cache) Put(hash FileHash, filter Filter, res *aggregate.Result) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(res); err != nil {
		return fmt.Errorf("encoding parse result: %w", err)
	}

	key := buildKey(hash, filter)
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("writing parse cache: %w", err)
	}
	return nil
}
