package plugins

import (
	"testing"

	"erpcore/testutil"
)

// Plugins compile against the aliases exported by internal/core so the domain
// package can change shape without breaking them.
func TestPluginsDoNotImportDomain(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.DomainImportForbidden, "plugins use internal/core aliases")
}
