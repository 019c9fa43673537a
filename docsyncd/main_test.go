package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/docsync/patch"
)

func TestReadState(t *testing.T) {
	dir := t.TempDir()

	statePath := filepath.Join(dir, "state.json")
	os.WriteFile(statePath, []byte(`{"a":1,"b":"x"}`), 0o600)
	doc, err := readState(statePath)
	assert.Equal(t, err, nil)
	assert.Equal(t, patch.Doc{"a": float64(1), "b": "x"}, doc)

	nullPath := filepath.Join(dir, "null.json")
	os.WriteFile(nullPath, []byte(`null`), 0o600)
	doc, err = readState(nullPath)
	assert.Equal(t, err, nil)
	assert.Equal(t, patch.Doc{}, doc)

	badPath := filepath.Join(dir, "bad.json")
	os.WriteFile(badPath, []byte(`[1,2]`), 0o600)
	_, err = readState(badPath)
	assert.NotEqual(t, err, nil)

	_, err = readState(filepath.Join(dir, "missing.json"))
	assert.NotEqual(t, err, nil)
}

func TestRequireVersion(t *testing.T) {
	t.Setenv("DOCSYNC_VERSION", "")
	assert.Equal(t, LocalVersion, RequireVersion())
	t.Setenv("DOCSYNC_VERSION", "1.2.3")
	assert.Equal(t, "1.2.3", RequireVersion())

	t.Setenv("DOCSYNC_HOST", "h")
	assert.Equal(t, "h", RequireHost())
}
