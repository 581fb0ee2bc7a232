package plugins

import (
	"testing"

	"cards/testutil"
)

func TestPluginsDoNotImportBackends(t *testing.T) {
	testutil.AssertNoImports(t, ".",
		testutil.ImportUnder("cards/internal/infra/persistence", "cards/internal/adapters", "cards/cmd"),
		"plugins register through core.PluginRegistry", "definitions")
}
