package blob

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// layerRule restricts which packages may import the packages under target.
type layerRule struct {
	target  string
	allowed []string
}

var layerRules = []layerRule{
	// Everything outside the facade depends on blob.Store.
	{target: "erpcore/internal/infra/blob", allowed: []string{"erpcore/internal/blob"}},
	// Storage backends are opened by core and the CLI only.
	{target: "erpcore/internal/infra/persistence", allowed: []string{"erpcore/internal/core", "erpcore/cmd"}},
}

func TestInfraImportsStayBehindFacades(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "erpcore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		if hasPathPrefix(pkg.PkgPath, "erpcore/internal/infra") {
			continue
		}
		for importPath := range pkg.Imports {
			for _, rule := range layerRules {
				if !hasPathPrefix(importPath, rule.target) || allowedImporter(pkg.PkgPath, rule.allowed) {
					continue
				}
				seen[pkg.PkgPath+": "+importPath] = struct{}{}
			}
		}
	}

	if len(seen) > 0 {
		violations := make([]string, 0, len(seen))
		for v := range seen {
			violations = append(violations, v)
		}
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden infra import: %s", v)
		}
		t.Fatalf("found %d forbidden infra imports", len(violations))
	}
}

func allowedImporter(pkgPath string, allowed []string) bool {
	// External test packages carry a _test suffix.
	pkgPath = strings.TrimSuffix(pkgPath, "_test")
	for _, prefix := range allowed {
		if hasPathPrefix(pkgPath, prefix) {
			return true
		}
	}
	return false
}

func hasPathPrefix(importPath, prefix string) bool {
	return importPath == prefix || strings.HasPrefix(importPath, prefix+"/")
}
