package models

import (
	"encoding/json"
	"fmt"
)

// RecommendRequest asks for catalog items similar to an embedding.
type RecommendRequest struct {
	Embedding []float32 `json:"embedding"`
	// K is the number of recommendations; nil means the configured default.
	K *int `json:"k,omitempty"`
	// Randomness in [0, 1]; nil means the configured default.
	Randomness *float64 `json:"randomness,omitempty"`
	// Strategy overrides the configured selection strategy for this request.
	Strategy string `json:"strategy,omitempty"`
}

// Validate checks the request and fills defaults. K above maxK is capped.
func (r *RecommendRequest) Validate(defaultK, maxK int, defaultRandomness float64) error {
	if len(r.Embedding) == 0 {
		return fmt.Errorf("embedding cannot be empty")
	}
	if r.K == nil {
		k := defaultK
		r.K = &k
	}
	if *r.K < 0 {
		return fmt.Errorf("k must not be negative, got %d", *r.K)
	}
	if maxK > 0 && *r.K > maxK {
		k := maxK
		r.K = &k
	}
	if r.Randomness == nil {
		rnd := defaultRandomness
		r.Randomness = &rnd
	}
	if *r.Randomness < 0 || *r.Randomness > 1 {
		return fmt.Errorf("randomness must be within [0, 1], got %g", *r.Randomness)
	}
	return nil
}

// Recommendation is one recommended catalog item. It is encoded as a flat
// JSON object: the metadata fields plus "id" and "distance". When the catalog
// record has its own "id" or "distance" field, that value is kept and the
// index value moves to "_id" or "_distance".
type Recommendation struct {
	ID       int
	Distance float32
	Metadata Metadata
}

const (
	keyID          = "id"
	keyDistance    = "distance"
	keyAltID       = "_id"
	keyAltDistance = "_distance"
)

// resultKey returns key, or alt when the metadata already uses key.
func resultKey(m Metadata, key, alt string) string {
	if _, taken := m[key]; taken {
		return alt
	}
	return key
}

// MarshalJSON flattens metadata next to id and distance.
func (r Recommendation) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Metadata)+2)
	for k, v := range r.Metadata {
		out[k] = v
	}
	out[resultKey(r.Metadata, keyID, keyAltID)] = r.ID
	out[resultKey(r.Metadata, keyDistance, keyAltDistance)] = r.Distance
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat object back into id, distance and metadata.
func (r *Recommendation) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	idKey, distKey := keyID, keyDistance
	if _, ok := raw[keyAltID]; ok {
		idKey = keyAltID
	}
	if _, ok := raw[keyAltDistance]; ok {
		distKey = keyAltDistance
	}
	if id, ok := raw[idKey].(float64); ok {
		r.ID = int(id)
	}
	if d, ok := raw[distKey].(float64); ok {
		r.Distance = float32(d)
	}
	delete(raw, idKey)
	delete(raw, distKey)
	r.Metadata = raw
	return nil
}

// RecommendResponse is the response for a recommendation request.
type RecommendResponse struct {
	Recommendations []Recommendation `json:"recommendations"`
	Strategy        string           `json:"strategy"`
	Randomness      float64          `json:"randomness"`
	SnapshotVersion string           `json:"snapshot_version"`
	QueryTime       int64            `json:"query_time_ms"`
}

// DatasetSizeResponse reports the catalog cardinality.
type DatasetSizeResponse struct {
	DatasetSize int `json:"dataset_size"`
}
