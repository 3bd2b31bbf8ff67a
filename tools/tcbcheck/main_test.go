package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, body string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestCheck_FlagsCoreImportingTransport(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pkg/contracts/ok.go", "package contracts\n\nimport \"encoding/json\"\n\nvar _ = json.Marshal\n")
	writeFile(t, root, "pkg/merkle/bad.go", "package merkle\n\nimport (\n\t\"fmt\"\n\t\"net/http\"\n)\n\nvar _ = fmt.Sprint\nvar _ = http.Get\n")
	writeFile(t, root, "pkg/merkle/bad_test.go", "package merkle\n\nimport \"database/sql\"\n\nvar _ = sql.Open\n")
	writeFile(t, root, "pkg/routing/up.go", "package routing\n\nimport \"github.com/Mindburn-Labs/constbus/pkg/bus\"\n\nvar _ = bus.New\n")

	got, err := check(root, defaultRules)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "pkg/merkle/bad.go", got[0].File)
	assert.Equal(t, "net/http", got[0].Import)
	assert.Equal(t, 5, got[0].Line)
	assert.Equal(t, "pkg/routing/up.go", got[1].File)
	assert.Equal(t, modulePath+"pkg/bus", got[1].Rule)
}

func TestRun_ExitCodes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pkg/errorir/errorir.go", "package errorir\n\nimport \"errors\"\n\nvar _ = errors.New\n")

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, run([]string{"-root", root}, &out, &errOut))
	assert.Contains(t, out.String(), "passed")

	writeFile(t, root, "pkg/errorir/cloud.go", "package errorir\n\nimport \"cloud.google.com/go/storage\"\n\nvar _ = storage.NewClient\n")
	out.Reset()
	assert.Equal(t, 1, run([]string{"-root", root}, &out, &errOut))
	assert.Contains(t, out.String(), "LAYER VIOLATION")

	writeFile(t, root, "pkg/errorir/broken.go", "package errorir\n\nimport (\n")
	assert.Equal(t, 2, run([]string{"-root", root}, &out, &errOut))
}

// The repository itself must satisfy its layering rules.
func TestCheck_Repository(t *testing.T) {
	got, err := check(filepath.Join("..", ".."), defaultRules)
	require.NoError(t, err)
	assert.Empty(t, got)
}
