// Package models defines the catalog records, requests and responses shared
// across stylematch.
package models

// Metadata is a catalog record: a flat mapping of column name to scalar value.
// It never carries the embedding.
type Metadata map[string]any

// Well-known metadata keys.
const (
	FieldName = "name"
	FieldURL  = "url"
)

// Clone returns a deep copy of m. Nested maps and slices, which only appear in
// hand-written metadata files, are copied too.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Metadata(t).Clone())
	case Metadata:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Name returns the item name, or "" when absent.
func (m Metadata) Name() string {
	s, _ := m[FieldName].(string)
	return s
}

// URL returns the item image URL, or "" when absent.
func (m Metadata) URL() string {
	s, _ := m[FieldURL].(string)
	return s
}
