package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authz-engine/rls-engine/pkg/types"
)

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")

	w, err := NewFileWriter(path, 1, 1, 1)
	require.NoError(t, err)

	require.NoError(t, w.Write(testEntry("org-1", "a1", "user-1", true, fixedNow)))
	require.NoError(t, w.Write(testEntry("org-1", "a2", "user-1", false, fixedNow)))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e types.AuditLogEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a1", "a2"}, ids)
}

func TestNewWriter(t *testing.T) {
	w, err := NewWriter(Config{})
	require.NoError(t, err)
	assert.Nil(t, w)

	w, err = NewWriter(Config{Output: "stdout"})
	require.NoError(t, err)
	assert.NotNil(t, w)

	w, err = NewWriter(Config{Output: "file", FilePath: filepath.Join(t.TempDir(), "a.log"), FileMaxSize: 1})
	require.NoError(t, err)
	assert.NoError(t, w.Close())

	_, err = NewWriter(Config{Output: "carrier-pigeon"})
	assert.Error(t, err)
}
