package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type captured struct{ msg string }

func (c *captured) Fatalf(format string, args ...any) { c.msg = fmt.Sprintf(format, args...) }

func TestImportUnder(t *testing.T) {
	match := ImportUnder("cards/internal/adapters", "cards/internal/infra/persistence")
	cases := []struct {
		in   string
		want bool
	}{
		{"cards/internal/adapters", true},
		{"cards/internal/adapters/httpapi", true},
		{"cards/internal/infra/persistence/sqlite", true},
		{"cards/internal/adaptersx", false},
		{"cards/internal/infra/events", false},
	}
	for _, c := range cases {
		if got := match(c.in); got != c.want {
			t.Fatalf("ImportUnder(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func writeFile(t *testing.T, path, src string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestImportViolations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ok.go"), "package tmp\nimport \"fmt\"\nfunc X(){fmt.Println(1)}")
	writeFile(t, filepath.Join(dir, "sub", "bad.go"), "package sub\nimport _ \"cards/internal/adapters/httpapi\"")
	writeFile(t, filepath.Join(dir, "sub", "bad_test.go"), "package sub\nimport _ \"cards/internal/adapters/httpapi\"")
	writeFile(t, filepath.Join(dir, "fixtures", "bad.go"), "package fixtures\nimport _ \"cards/internal/adapters/httpapi\"")

	viols, err := importViolations(dir, ImportUnder("cards/internal/adapters"), []string{"fixtures"})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := "cards/internal/adapters/httpapi (in " + filepath.Join("sub", "bad.go") + ")"
	if len(viols) != 1 || viols[0] != want {
		t.Fatalf("unexpected violations %v", viols)
	}

	var c captured
	failIfViolations(&c, "adapters", viols)
	if !strings.Contains(c.msg, "bad.go") {
		t.Fatalf("violation not reported: %q", c.msg)
	}
	c = captured{}
	failIfViolations(&c, "adapters", nil)
	if c.msg != "" {
		t.Fatalf("unexpected failure %q", c.msg)
	}
}

func TestAssertNoImportsPasses(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "x.go"), "package tmp\nimport \"fmt\"\nfunc X(){fmt.Println(1)}")
	AssertNoImports(t, dir, ImportUnder("cards/internal"), "stdlib only", "vendor")
}
