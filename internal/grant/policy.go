package grant

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/go-cmp/cmp"
)

const policyVersion = "2012-10-17"

// policyDocument is an S3 bucket policy. Statements are kept raw so the ones
// this package does not own are written back exactly as read.
type policyDocument struct {
	Version   string            `json:"Version,omitempty"`
	ID        string            `json:"Id,omitempty"`
	Statement []json.RawMessage `json:"Statement"`
}

// UnmarshalJSON accepts Statement as a single object or a list.
func (d *policyDocument) UnmarshalJSON(data []byte) error {
	var raw struct {
		Version   string          `json:"Version"`
		ID        string          `json:"Id"`
		Statement json.RawMessage `json:"Statement"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Version = raw.Version
	d.ID = raw.ID
	d.Statement = nil

	trimmed := bytes.TrimSpace(raw.Statement)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
	case trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &d.Statement); err != nil {
			return fmt.Errorf("policy statements: %w", err)
		}
	case trimmed[0] == '{':
		d.Statement = []json.RawMessage{trimmed}
	default:
		return fmt.Errorf("policy statements: unexpected %q", trimmed[:1])
	}
	return nil
}

// statement is the read grant this package manages.
type statement struct {
	Sid       string                       `json:"Sid"`
	Effect    string                       `json:"Effect"`
	Principal map[string]string            `json:"Principal"`
	Action    string                       `json:"Action"`
	Resource  string                       `json:"Resource"`
	Condition map[string]map[string]string `json:"Condition"`
}

func readStatement(sid, bucket string, consumer Principal, scope Scope) statement {
	return statement{
		Sid:       sid,
		Effect:    "Allow",
		Principal: map[string]string{"Service": consumer.Service},
		Action:    "s3:GetObject",
		Resource:  fmt.Sprintf("arn:aws:s3:::%s/*", bucket),
		Condition: map[string]map[string]string{
			"StringEquals": {"AWS:SourceArn": scope.SourceARN},
		},
	}
}

func statementSid(raw json.RawMessage) string {
	var s struct {
		Sid string `json:"Sid"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s.Sid
}

// sameStatement compares two statements structurally, ignoring key order and
// whitespace.
func sameStatement(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return cmp.Equal(av, bv)
}

// merge returns doc with want in place of the statement sharing its Sid,
// or appended. The boolean reports whether doc changed.
func merge(doc policyDocument, want statement) (policyDocument, bool, error) {
	encoded, err := json.Marshal(want)
	if err != nil {
		return doc, false, err
	}

	out := policyDocument{Version: doc.Version, ID: doc.ID}
	if out.Version == "" {
		out.Version = policyVersion
	}
	found, changed := false, false
	for _, raw := range doc.Statement {
		if statementSid(raw) != want.Sid {
			out.Statement = append(out.Statement, raw)
			continue
		}
		if found {
			// A duplicate Sid is dropped.
			changed = true
			continue
		}
		found = true
		if sameStatement(raw, encoded) {
			out.Statement = append(out.Statement, raw)
		} else {
			out.Statement = append(out.Statement, encoded)
			changed = true
		}
	}
	if !found {
		out.Statement = append(out.Statement, encoded)
		changed = true
	}
	return out, changed, nil
}
