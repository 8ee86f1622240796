package functions

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed viewer-request.js
var ViewerRequestJS []byte

// Params are the values injected into the viewer-request function.
type Params struct {
	CookieName      string
	AlternateDomain string
	AlternateRegion string
	IndexDocument   string
}

// BuildFunctionCode prepends the injected variables to the JS source. Values
// are validated and then encoded as JSON strings, which are valid JS literals.
func BuildFunctionCode(jsSource []byte, p Params) ([]byte, error) {
	if errs := p.Validate(); len(errs) > 0 {
		return nil, errs
	}

	vars := []struct {
		name  string
		value string
	}{
		{"routingCookie", p.CookieName},
		{"alternateDomain", p.AlternateDomain},
		{"alternateRegion", p.AlternateRegion},
		{"indexDocument", p.IndexDocument},
	}

	var header []byte
	for _, v := range vars {
		lit, err := json.Marshal(v.value)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", v.name, err)
		}
		header = fmt.Appendf(header, "var %s = %s;\n", v.name, lit)
	}
	return append(header, jsSource...), nil
}
