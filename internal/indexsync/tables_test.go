package indexsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableMapResolve(t *testing.T) {
	m, err := NewTableMap(map[string]string{
		"cms-entry": "cms_entries_es",
		"file":      "files_es",
	})
	require.NoError(t, err)

	table, ok := m.Table(KindCmsEntry)
	assert.True(t, ok)
	assert.Equal(t, "cms_entries_es", table)

	kind, ok := m.Kind("files_es")
	assert.True(t, ok)
	assert.Equal(t, KindFile, kind)

	_, ok = m.Table(KindPage)
	assert.False(t, ok)

	assert.Equal(t, []string{"cms_entries_es", "files_es"}, m.Tables())

	resolved, err := m.Resolve("file")
	require.NoError(t, err)
	assert.Equal(t, "files_es", resolved)

	resolved, err = m.Resolve("cms_entries_es")
	require.NoError(t, err)
	assert.Equal(t, "cms_entries_es", resolved)

	_, err = m.Resolve("page")
	assert.Error(t, err)
}

func TestNewTableMapRejectsAmbiguity(t *testing.T) {
	_, err := NewTableMap(map[string]string{
		"page": "shared_es",
		"file": "shared_es",
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewTableMap(map[string]string{"blog-post": "posts"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewTableMap(map[string]string{"page": "1pages"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
