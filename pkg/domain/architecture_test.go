package domain_test

import (
	"testing"

	"erpcore/testutil"
)

func TestDomainStandsAlone(t *testing.T) {
	testutil.AssertNoTransitiveDependency(t, "erpcore/pkg/domain", testutil.InternalImportForbidden,
		"pkg/domain is imported by every layer and cannot reach into internal/")
}
