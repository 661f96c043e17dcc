// Package cli provides CLI utilities for stylematch.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hyperjump/stylematch/internal/models"
	"github.com/hyperjump/stylematch/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
	// OutputCompact prints one recommendation per line.
	OutputCompact OutputFormat = "compact"
)

// ParseOutputFormat maps a flag value to an OutputFormat.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	case OutputCompact:
		return OutputCompact, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteRecommendations writes a recommendation response to w in the given format.
func WriteRecommendations(w io.Writer, response *models.RecommendResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, response)
	case OutputCompact:
		for _, r := range response.Recommendations {
			fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\n", r.ID, r.Distance, metaString(r.Metadata, "name"), metaString(r.Metadata, "url"))
		}
		return nil
	default:
		writeRecommendationsText(w, response)
		return nil
	}
}

func writeRecommendationsText(w io.Writer, response *models.RecommendResponse) {
	fmt.Fprintf(w, "\n%d recommendations in %dms (strategy %s, randomness %.2f, snapshot %s)\n\n",
		len(response.Recommendations), response.QueryTime, response.Strategy, response.Randomness, response.SnapshotVersion)
	for i, r := range response.Recommendations {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "#%d | ID: %d | Distance: %.4f\n", i+1, r.ID, r.Distance)
		if name := metaString(r.Metadata, "name"); name != "" {
			fmt.Fprintf(w, "Name: %s\n", name)
		}
		if url := metaString(r.Metadata, "url"); url != "" {
			fmt.Fprintf(w, "URL:  %s\n", url)
		}
		for _, k := range extraKeys(r.Metadata) {
			fmt.Fprintf(w, "%s: %s\n", k, utils.Truncate(fmt.Sprint(r.Metadata[k]), 80))
		}
		fmt.Fprintln(w)
	}
}

// WritePrediction writes a classifier prediction to w. Text output omits the
// embedding itself and lists the known style labels.
func WritePrediction(w io.Writer, pred *models.Prediction, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, pred)
	case OutputCompact:
		fmt.Fprintf(w, "%s\t%.2f\t%s\t%.2f\t%d\n", pred.MainStyle, pred.MainConfidence, pred.SecondaryStyle, pred.SecondaryConfidence, pred.EmbeddingDim)
		return nil
	default:
		fmt.Fprintf(w, "main_style:       %s (%.2f%%)\n", pred.MainStyle, pred.MainConfidence)
		fmt.Fprintf(w, "secondary_style:  %s (%.2f%%)\n", pred.SecondaryStyle, pred.SecondaryConfidence)
		fmt.Fprintf(w, "embedding_dim:    %d\n", pred.EmbeddingDim)
		fmt.Fprintf(w, "known_styles:     %s\n", strings.Join(models.Styles, ", "))
		return nil
	}
}

// WriteStatus writes a status response to w.
func WriteStatus(w io.Writer, status *models.StatusResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, status)
	}
	fmt.Fprintf(w, "snapshot_version:   %s\n", status.SnapshotVersion)
	fmt.Fprintf(w, "dataset_size:       %d   # catalog items\n", status.DatasetSize)
	fmt.Fprintf(w, "dimension:          %d\n", status.Dimension)
	fmt.Fprintf(w, "index:              %s/%s, %d trees\n", status.IndexType, status.Metric, status.Trees)
	if !status.BuiltAt.IsZero() {
		fmt.Fprintf(w, "built_at:           %s\n", status.BuiltAt.Format("2006-01-02 15:04:05"))
	}
	if status.DiskUsageBytes > 0 {
		fmt.Fprintf(w, "disk_usage_bytes:   %d   # index + metadata on disk\n", status.DiskUsageBytes)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "# configuration")
	fmt.Fprintf(w, "strategy:           %s\n", status.Config.Strategy)
	fmt.Fprintf(w, "randomness:         %.2f\n", status.Config.Randomness)
	fmt.Fprintf(w, "presort:            %t\n", status.Config.Presort)
	fmt.Fprintf(w, "k:                  default %d, max %d\n", status.Config.DefaultK, status.Config.MaxK)
	if status.Config.ArtifactDir != "" {
		fmt.Fprintf(w, "artifact_dir:       %s (%s)\n", status.Config.ArtifactDir, status.Config.ArtifactSource)
	}
	if status.Metrics.Queries > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# queries")
		fmt.Fprintf(w, "queries:            %d (%d input errors, %d internal errors)\n",
			status.Metrics.Queries, status.Metrics.InputErrors, status.Metrics.InternalErrors)
		fmt.Fprintf(w, "mean_latency_ms:    %.3f\n", status.Metrics.MeanLatencyMs)
		fmt.Fprintf(w, "mean_distance:      %.4f\n", status.Metrics.MeanDistance)
	}
	return nil
}

func metaString(m models.Metadata, key string) string {
	if v, ok := m[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// extraKeys returns metadata keys other than name and url, sorted.
func extraKeys(m models.Metadata) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k != "name" && k != "url" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
