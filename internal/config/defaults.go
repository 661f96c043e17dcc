package config

// DefaultTrees matches the tree count the catalog has historically been built with.
const DefaultTrees = 50

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.RequestTimeoutSecs == 0 {
		cfg.Server.RequestTimeoutSecs = 60
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = 10
	}
	if cfg.Storage.ArtifactDir == "" {
		cfg.Storage.ArtifactDir = "/usr/local/var/stylematch/indexes"
	}
	if cfg.Storage.MetadataFormat == "" {
		cfg.Storage.MetadataFormat = "json"
	}
	if cfg.Index.Type == "" {
		cfg.Index.Type = "forest"
	}
	if cfg.Index.Metric == "" {
		cfg.Index.Metric = "angular"
	}
	if cfg.Index.Trees == 0 {
		cfg.Index.Trees = DefaultTrees
	}
	if cfg.Index.EmbeddingColumn == "" {
		cfg.Index.EmbeddingColumn = "embedding"
	}
	if cfg.Recommend.DefaultK == 0 {
		cfg.Recommend.DefaultK = 5
	}
	if cfg.Recommend.MaxK == 0 {
		cfg.Recommend.MaxK = 30
	}
	if cfg.Recommend.Strategy == "" {
		cfg.Recommend.Strategy = "deterministic"
	}
	if cfg.Classifier.URL == "" {
		cfg.Classifier.URL = "http://model-server:8080/predictions/clip"
	}
	if cfg.Classifier.TimeoutSecs == 0 {
		cfg.Classifier.TimeoutSecs = 30
	}
	if cfg.Classifier.MaxRPS > 0 && cfg.Classifier.Burst == 0 {
		cfg.Classifier.Burst = 1
	}
	if cfg.Artifact.Source == "" {
		cfg.Artifact.Source = "local"
	}
	if cfg.Reload.DebounceMillis == 0 {
		cfg.Reload.DebounceMillis = 400
	}
}
