package domain

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/cases"
)

// Taxonomy codes are dotted uppercase segments ending in a v<digits> suffix,
// e.g. ERP.FIN.GL.JOURNAL.v1. Three to eight segments precede the version,
// which is bounded so every valid code also parses.
var taxonomyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,29}(\.[A-Z0-9_]{2,30}){2,7}\.[vV][0-9]{1,9}$`)

var versionSegment = regexp.MustCompile(`^[vV][0-9]+$`)

// TaxonomyCode is a parsed taxonomy code.
type TaxonomyCode struct {
	Raw      string
	Segments []string
	Version  int
}

// ValidTaxonomyCode reports whether s matches the taxonomy code wire format.
func ValidTaxonomyCode(s string) bool {
	return taxonomyPattern.MatchString(s)
}

// ParseTaxonomyCode validates and splits a taxonomy code.
func ParseTaxonomyCode(s string) (TaxonomyCode, error) {
	if !taxonomyPattern.MatchString(s) {
		return TaxonomyCode{}, errors.Newf("taxonomy code %q does not match PREFIX.SEGMENT+.v<digits>", s)
	}
	parts := strings.Split(s, ".")
	last := parts[len(parts)-1]
	version, err := strconv.Atoi(last[1:])
	if err != nil {
		return TaxonomyCode{}, errors.Wrapf(err, "taxonomy code %q version", s)
	}
	return TaxonomyCode{Raw: s, Segments: parts[:len(parts)-1], Version: version}, nil
}

// Prefix returns the leading segment.
func (c TaxonomyCode) Prefix() string {
	if len(c.Segments) == 0 {
		return ""
	}
	return c.Segments[0]
}

// HasSegment reports whether any segment, the prefix included, equals seg.
func (c TaxonomyCode) HasSegment(seg string) bool {
	return slices.Contains(c.Segments, seg)
}

// IsFinancial reports whether any dotted segment of code is one of the
// financial segments. The code does not have to be valid: a malformed GL
// code is still financial, so its balance is enforced alongside the
// SMARTCODE-PRESENT failure.
func IsFinancial(code string, financialSegments []string) bool {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(code)), ".")
	if n := len(parts); n > 1 && versionSegment.MatchString(parts[n-1]) {
		parts = parts[:n-1]
	}
	for _, seg := range financialSegments {
		if seg = strings.ToUpper(strings.TrimSpace(seg)); seg != "" && slices.Contains(parts, seg) {
			return true
		}
	}
	return false
}

// NormalizeName produces the identity key for a display name: case-folded,
// trimmed, with internal whitespace runs collapsed to one space.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(cases.Fold().String(name)), " ")
}
