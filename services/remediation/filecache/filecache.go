// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filecache is a BadgerDB-backed read cache for repository files
// touched during a session. The session store stays the source of truth;
// entries here expire with the session TTL and a miss just falls through.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package filecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

// Cache is a TTL'd key-value cache of tracked files keyed by session and
// path. Safe for concurrent use.
type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

// Open creates a cache at path. An empty path opens an in-memory cache for
// tests. ttl bounds entry lifetime; zero or negative uses 4 hours.
func Open(path string, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}

	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open file cache: %w", err)
	}
	return &Cache{db: db, ttl: ttl}, nil
}

func fileKey(sessionID, path string) []byte {
	return []byte("file|" + sessionID + "|" + path)
}

func sessionPrefix(sessionID string) []byte {
	return []byte("file|" + sessionID + "|")
}

// Put stores one tracked file under the session's prefix.
func (c *Cache) Put(sessionID string, file datatypes.TrackedFile) error {
	val, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode tracked file: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(fileKey(sessionID, file.Path), val).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
}

// Get returns the cached file and whether it was present.
func (c *Cache) Get(sessionID, path string) (datatypes.TrackedFile, bool, error) {
	var file datatypes.TrackedFile
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(sessionID, path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &file)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.TrackedFile{}, false, nil
	}
	if err != nil {
		return datatypes.TrackedFile{}, false, fmt.Errorf("file cache read: %w", err)
	}
	return file, true, nil
}

// List returns all cached files for a session.
func (c *Cache) List(sessionID string) ([]datatypes.TrackedFile, error) {
	files := make([]datatypes.TrackedFile, 0)
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := sessionPrefix(sessionID)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var file datatypes.TrackedFile
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &file)
			}); err != nil {
				return err
			}
			files = append(files, file)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("file cache scan: %w", err)
	}
	return files, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
