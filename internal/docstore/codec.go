package docstore

import (
	"encoding/json"
	"fmt"
)

// Encode converts a JSON-tagged value into document fields.
func Encode(v any) (Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("encode document: %T is not an object", v)
	}
	return f, nil
}

// Decode fills v from the document body.
func Decode(doc Document, v any) error {
	raw, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("decode document %s: %w", doc.ID, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document %s: %w", doc.ID, err)
	}
	return nil
}

// DecodeAll decodes every document into a T, preserving order.
func DecodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := Decode(d, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Normalize returns a deep copy of f with every value in its decoded JSON form.
func Normalize(f Fields) (Fields, error) {
	if f == nil {
		return Fields{}, nil
	}
	return Encode(map[string]any(f))
}

func normalizeValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func cloneFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	}
	return v
}

func cloneDocument(d Document) Document {
	d.Fields = cloneFields(d.Fields)
	return d
}

// Matches reports whether every key of expected holds the same value in f.
// expected must already be normalised.
func Matches(f, expected Fields) bool {
	for k, want := range expected {
		if !sameValue(f[k], want) {
			return false
		}
	}
	return true
}

// Merge applies patch on top of base at the top level, as jsonb || does.
func Merge(base, patch Fields) Fields {
	out := cloneFields(base)
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// CheckPatch rejects patches that would rewrite the identifier.
func CheckPatch(patch Fields) error {
	if _, ok := patch["id"]; ok {
		return fmt.Errorf("%w: id cannot be patched", ErrInvalidQuery)
	}
	return nil
}
