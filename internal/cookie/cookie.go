// Package cookie parses raw Cookie request headers into a name/value jar.
package cookie

import "strings"

// Jar maps cookie names to values. Names are case-sensitive.
type Jar map[string]string

// Get returns the value for name and whether it was present.
func (j Jar) Get(name string) (string, bool) {
	v, ok := j[name]
	return v, ok
}

// Parse reads a Cookie header value. It never fails: segments that are empty,
// lack an "=" or have an empty name are skipped without affecting the rest of
// the header. Only the first "=" separates name from value; the value is kept
// verbatim apart from surrounding whitespace. When a name repeats, the first
// occurrence wins.
func Parse(header string) Jar {
	jar := Jar{}
	if header == "" {
		return jar
	}

	rest := header
	for rest != "" {
		var segment string
		segment, rest, _ = strings.Cut(rest, ";")

		name, value, ok := strings.Cut(segment, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, seen := jar[name]; seen {
			continue
		}
		jar[name] = strings.TrimSpace(value)
	}
	return jar
}
