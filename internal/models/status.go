package models

import "time"

// StatusResponse describes the active catalog snapshot and serving config.
type StatusResponse struct {
	SnapshotVersion string       `json:"snapshot_version"`
	DatasetSize     int          `json:"dataset_size"`
	Dimension       int          `json:"dimension"`
	Metric          string       `json:"metric"`
	IndexType       string       `json:"index_type"`
	Trees           int          `json:"trees"`
	BuiltAt         time.Time    `json:"built_at"`
	LoadedAt        time.Time    `json:"loaded_at"`
	DiskUsageBytes  int64        `json:"disk_usage_bytes,omitempty"`
	Config          StatusConfig `json:"config"`
	Metrics         QueryMetrics `json:"metrics"`
}

// StatusConfig holds the serving configuration reported by status.
type StatusConfig struct {
	Strategy       string  `json:"strategy"`
	Randomness     float64 `json:"randomness"`
	Presort        bool    `json:"presort"`
	DefaultK       int     `json:"default_k"`
	MaxK           int     `json:"max_k"`
	SearchK        int     `json:"search_k,omitempty"`
	ArtifactDir    string  `json:"artifact_dir"`
	ArtifactSource string  `json:"artifact_source"`
	MetadataFormat string  `json:"metadata_format"`
}

// QueryMetrics summarises retrieval activity since start.
type QueryMetrics struct {
	Queries        int64   `json:"queries"`
	InputErrors    int64   `json:"input_errors"`
	InternalErrors int64   `json:"internal_errors"`
	MeanDistance   float64 `json:"mean_distance"`
	MeanLatencyMs  float64 `json:"mean_latency_ms"`
}
