package backends

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modulePath = "github.com/tendant/simple-frame-pipeline"

// importClosure walks the module-local imports of dir, ignoring tests, and
// returns every import path reached.
func importClosure(t *testing.T, root, dir string) map[string]bool {
	t.Helper()
	seen := map[string]bool{}
	visited := map[string]bool{}
	queue := []string{dir}
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		if visited[d] {
			continue
		}
		visited[d] = true

		entries, err := os.ReadDir(filepath.Join(root, d))
		require.NoError(t, err)
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
				continue
			}
			f, err := parser.ParseFile(token.NewFileSet(), filepath.Join(root, d, name), nil, parser.ImportsOnly)
			require.NoError(t, err)
			for _, imp := range f.Imports {
				p, err := strconv.Unquote(imp.Path.Value)
				require.NoError(t, err)
				seen[p] = true
				if rel, ok := strings.CutPrefix(p, modulePath+"/"); ok {
					queue = append(queue, rel)
				}
			}
		}
	}
	return seen
}

func TestBackendsStayFreeOfWorkflowRuntime(t *testing.T) {
	imports := importClosure(t, filepath.Join("..", ".."), filepath.Join("internal", "backends"))

	assert.NotContains(t, imports, modulePath+"/internal/workflows")
	assert.NotContains(t, imports, modulePath+"/internal/dbosruntime")
	for p := range imports {
		assert.False(t, strings.HasPrefix(p, "github.com/dbos-inc/"), "unexpected import %s", p)
	}
}

func TestWasmEntryStaysFreeOfWorkflowRuntime(t *testing.T) {
	imports := importClosure(t, filepath.Join("..", ".."), filepath.Join("cmd", "pipeline-wasm"))

	assert.Contains(t, imports, modulePath+"/internal/backends")
	assert.NotContains(t, imports, modulePath+"/internal/workflows")
	for p := range imports {
		assert.False(t, strings.HasPrefix(p, "github.com/dbos-inc/"), "unexpected import %s", p)
	}
}
