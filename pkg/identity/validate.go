package identity

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"
)

// ValidationError describes one schema violation in a record.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "identity: " + e.Reason
	}
	return fmt.Sprintf("identity: field %q: %s", e.Field, e.Reason)
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
)

type fieldRule struct {
	kind     fieldKind
	required bool
}

var identityFields = map[string]fieldRule{
	"key":       {kind: kindString, required: true},
	"name":      {kind: kindString, required: true},
	"timestamp": {kind: kindInt, required: true},
	"signature": {kind: kindString, required: true},
}

var memberFields = map[string]fieldRule{
	"key":       {kind: kindString, required: true},
	"name":      {kind: kindString, required: true},
	"timestamp": {kind: kindInt, required: true},
	"signature": {kind: kindString, required: true},
	"index":     {kind: kindInt},
}

// ParseMember validates raw against the record schema, verifies the
// signature and returns the decoded Member. When withIndex is false the
// record must not carry an index and the Member gets UnknownIndex.
//
// All schema violations are reported together.
func ParseMember(raw json.RawMessage, v Verifier, withIndex bool) (Member, error) {
	rules := identityFields
	if withIndex {
		rules = memberFields
	}

	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return Member{}, &ValidationError{Reason: "record is not an object"}
	}

	var errs error
	for name := range fields {
		if _, ok := rules[name]; !ok {
			errs = multierr.Append(errs, &ValidationError{Field: name, Reason: "unexpected field"})
		}
	}
	for name, rule := range rules {
		val, ok := fields[name]
		if !ok {
			if rule.required {
				errs = multierr.Append(errs, &ValidationError{Field: name, Reason: "missing"})
			}
			continue
		}
		if err := checkKind(name, val, rule.kind); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return Member{}, errs
	}

	m := Member{FeedIndex: UnknownIndex}
	if err := json.Unmarshal(raw, &m); err != nil {
		return Member{}, &ValidationError{Reason: err.Error()}
	}
	if !withIndex {
		m.FeedIndex = UnknownIndex
	}
	if m.Name == "" || m.Key == "" || m.Signature == "" {
		return Member{}, &ValidationError{Reason: "empty required string"}
	}
	if m.Timestamp <= 0 {
		return Member{}, &ValidationError{Field: "timestamp", Reason: "must be positive"}
	}
	if m.FeedIndex < UnknownIndex {
		return Member{}, &ValidationError{Field: "index", Reason: "must be >= -1"}
	}
	if err := m.Identity.Verify(v); err != nil {
		return Member{}, err
	}
	return m, nil
}

func checkKind(name string, val json.RawMessage, kind fieldKind) error {
	switch kind {
	case kindString:
		var s string
		if err := json.Unmarshal(val, &s); err != nil {
			return &ValidationError{Field: name, Reason: "must be a string"}
		}
	case kindInt:
		var i int64
		if err := json.Unmarshal(val, &i); err != nil {
			return &ValidationError{Field: name, Reason: "must be an integer"}
		}
	}
	return nil
}
