// Package routing decides which origin serves a request.
package routing

import "github.com/co-cddo/ndx-canary/internal/cookie"

// DefaultCookieName is the opt-in cookie testers set to reach the alternate origin.
const DefaultCookieName = "NDX"

// OptInValue is the only cookie value that selects the alternate origin.
const OptInValue = "true"

// Target is the origin selected for a request.
type Target int

const (
	// Default keeps the origin the distribution already routes to.
	Default Target = iota
	// Alternate selects the canary origin.
	Alternate
)

func (t Target) String() string {
	switch t {
	case Alternate:
		return "alternate"
	default:
		return "default"
	}
}

// Decide returns Alternate only when jar holds cookieName with the exact value
// "true". Any other value, including differently cased or padded variants, and
// a missing cookie resolve to Default.
func Decide(jar cookie.Jar, cookieName string) Target {
	v, ok := jar[cookieName]
	if ok && v == OptInValue {
		return Alternate
	}
	return Default
}
