package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/packages"
)

func TestPredicates(t *testing.T) {
	assert.True(t, DomainImportForbidden("erpcore/pkg/domain"))
	assert.True(t, DomainImportForbidden("erpcore/pkg/domain/sub"))
	assert.False(t, DomainImportForbidden("erpcore/pkg/domainx"))
	assert.True(t, InternalImportForbidden("erpcore/internal/core"))
	assert.False(t, InternalImportForbidden("internal/bytealg"))
	assert.False(t, InternalImportForbidden("github.com/getsentry/sentry-go/internal/debug"))
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	write("a.go", "package a\nimport \"erpcore/pkg/domain\"\n")
	write("a_test.go", "package a\nimport \"fmt\"\n")
	write("sub/b_test.go", "package b\nimport _ \"erpcore/pkg/domain\"\n")
	write("notes.txt", "import \"erpcore/pkg/domain\"")

	viols, err := directImportViolations(dir, DomainImportForbidden)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"erpcore/pkg/domain (in a.go)",
		"erpcore/pkg/domain (in sub/b_test.go)",
	}, viols)

	write("broken.go", "package a\nimport (")
	_, err = directImportViolations(dir, DomainImportForbidden)
	assert.Error(t, err)
}

func TestTransitiveDependencyViolations(t *testing.T) {
	orig := loadPackages
	t.Cleanup(func() { loadPackages = orig })

	leaf := &packages.Package{PkgPath: "erpcore/internal/core"}
	mid := &packages.Package{PkgPath: "erpcore/pkg/x", Imports: map[string]*packages.Package{leaf.PkgPath: leaf}}
	root := &packages.Package{PkgPath: "erpcore/pkg/y", Imports: map[string]*packages.Package{mid.PkgPath: mid, "fmt": {PkgPath: "fmt"}}}
	loadPackages = func(string) ([]*packages.Package, error) { return []*packages.Package{root}, nil }

	viols, err := transitiveDependencyViolations("erpcore/pkg/y", InternalImportForbidden)
	require.NoError(t, err)
	assert.Equal(t, []string{"erpcore/internal/core"}, viols)

	loadPackages = func(string) ([]*packages.Package, error) { return nil, fmt.Errorf("boom") }
	_, err = transitiveDependencyViolations("x", InternalImportForbidden)
	assert.Error(t, err)
}

type recordingFatal struct{ msg string }

func (r *recordingFatal) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func TestFailIfViolations(t *testing.T) {
	var r recordingFatal
	failIfViolations(&r, "direct import", "reason", nil)
	assert.Empty(t, r.msg)
	failIfViolations(&r, "direct import", "reason", []string{"a", "b"})
	assert.Equal(t, "forbidden direct import detected (reason):\na\nb", r.msg)
}
