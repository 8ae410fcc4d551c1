package domain_test

import (
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modulePath = "github.com/hostreflect/hostreflect/"

// TestLayering verifies that the shared protocol layers stay free of host
// code, and that compute-side clients never link host-side packages.
func TestLayering(t *testing.T) {
	tests := []struct {
		dir       string
		allowed   []string // module packages the dir may import
		forbidden []string // import path prefixes the dir must not import
	}{
		{dir: "../wireformat"},
		{dir: "../domain/errors", allowed: []string{"wireformat"}},
		{dir: "../queue", allowed: []string{"infrastructure/memory", "wireformat"}},
		{
			dir:       "../file",
			allowed:   []string{"domain/errors", "reflection", "wireformat"},
			forbidden: []string{"github.com/tetratelabs/wazero", "github.com/prometheus/"},
		},
		{
			dir:       "../knob",
			allowed:   []string{"domain/errors", "reflection", "wireformat"},
			forbidden: []string{"github.com/tetratelabs/wazero", "github.com/prometheus/"},
		},
		{
			dir:       "../log",
			allowed:   []string{"reflection", "wireformat"},
			forbidden: []string{"github.com/tetratelabs/wazero", "github.com/prometheus/"},
		},
	}

	fset := token.NewFileSet()
	for _, tt := range tests {
		t.Run(filepath.Base(tt.dir), func(t *testing.T) {
			files, err := filepath.Glob(filepath.Join(tt.dir, "*.go"))
			require.NoError(t, err)
			require.NotEmpty(t, files, "%s should contain Go files", tt.dir)

			for _, file := range files {
				// Tests may wire up a host to exercise the client.
				if strings.HasSuffix(file, "_test.go") {
					continue
				}
				checkFileImports(t, fset, file, tt.allowed, tt.forbidden)
			}
		})
	}
}

func checkFileImports(t *testing.T, fset *token.FileSet, filename string, allowed, forbidden []string) {
	t.Helper()

	f, err := parser.ParseFile(fset, filename, nil, parser.ImportsOnly)
	require.NoError(t, err, "failed to parse %s", filename)

	for _, imp := range f.Imports {
		importPath := strings.Trim(imp.Path.Value, `"`)

		for _, prefix := range forbidden {
			assert.False(t, strings.HasPrefix(importPath, prefix),
				"%s must not import %s", filepath.Base(filename), importPath)
		}

		if pkg, ok := strings.CutPrefix(importPath, modulePath); ok {
			assert.Contains(t, allowed, pkg,
				"%s imports module package %s outside its layer", filepath.Base(filename), pkg)
		}
	}
}
