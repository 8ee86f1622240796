package distribution

import (
	"bytes"
	"encoding/json"
	"fmt"

	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
)

// Canonical returns the canonical byte form of an SDK document. Two documents
// with the same canonical bytes are indistinguishable to the control API.
func Canonical[T any](doc *T) ([]byte, error) {
	if doc == nil {
		return []byte("null"), nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", doc, err)
	}
	return b, nil
}

// Equal reports whether two documents have identical canonical bytes.
func Equal[T any](a, b *T) bool {
	ab, err := Canonical(a)
	if err != nil {
		return false
	}
	bb, err := Canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Clone deep-copies an SDK document. Nil and empty slices are preserved as-is.
func Clone[T any](doc *T) (*T, error) {
	if doc == nil {
		return nil, nil
	}
	b, err := Canonical(doc)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("decoding %T: %w", doc, err)
	}
	return out, nil
}

// CloneConfig deep-copies a distribution configuration.
func CloneConfig(cfg *cftypes.DistributionConfig) (*cftypes.DistributionConfig, error) {
	return Clone(cfg)
}
