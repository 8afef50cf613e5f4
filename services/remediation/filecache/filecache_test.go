// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open("", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache(t *testing.T) {
	t.Run("put then get", func(t *testing.T) {
		c := newTestCache(t)
		require.NoError(t, c.Put("sess-1", datatypes.TrackedFile{
			Path: "main.go", Content: "package main", Status: "success",
		}))

		file, ok, err := c.Get("sess-1", "main.go")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "package main", file.Content)
	})

	t.Run("miss is not an error", func(t *testing.T) {
		c := newTestCache(t)
		_, ok, err := c.Get("sess-1", "missing.go")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("last write wins", func(t *testing.T) {
		c := newTestCache(t)
		require.NoError(t, c.Put("sess-1", datatypes.TrackedFile{Path: "a.go", Content: "v1"}))
		require.NoError(t, c.Put("sess-1", datatypes.TrackedFile{Path: "a.go", Content: "v2"}))

		file, ok, err := c.Get("sess-1", "a.go")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v2", file.Content)
	})

	t.Run("list is scoped to the session", func(t *testing.T) {
		c := newTestCache(t)
		require.NoError(t, c.Put("sess-1", datatypes.TrackedFile{Path: "a.go"}))
		require.NoError(t, c.Put("sess-1", datatypes.TrackedFile{Path: "b.go"}))
		require.NoError(t, c.Put("sess-2", datatypes.TrackedFile{Path: "c.go"}))

		files, err := c.List("sess-1")
		require.NoError(t, err)
		assert.Len(t, files, 2)
	})
}
