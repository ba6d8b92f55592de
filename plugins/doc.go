// Package plugins hosts industry module subpackages. It contains no runtime
// code; the architecture test beside this file keeps plugins on the engine
// facade in internal/core and away from the domain package.
package plugins
