// Package runid resolves the identifier that groups one execution's exported
// artifacts.
package runid

import (
	"regexp"
	"time"
)

// Layout is the generated identifier format: YYYYMMDD_HHMM in local time.
// Identifiers sort lexically in time order; two runs started within the same
// minute share an identifier.
const Layout = "20060102_1504"

var generatedPattern = regexp.MustCompile(`^\d{8}_\d{4}$`)

// Clock returns the current time.
type Clock func() time.Time

// Resolve returns supplied unchanged when it is non-empty, otherwise a new
// identifier generated from now. A nil clock uses time.Now.
func Resolve(supplied string, now Clock) string {
	if supplied != "" {
		return supplied
	}
	return Generate(now)
}

// Generate formats the current local time at minute granularity.
func Generate(now Clock) string {
	if now == nil {
		now = time.Now
	}
	return now().Local().Format(Layout)
}

// Generated reports whether id has the shape of a generated identifier.
func Generated(id string) bool {
	return generatedPattern.MatchString(id)
}
