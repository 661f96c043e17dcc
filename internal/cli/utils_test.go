package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/stylematch/internal/models"
)

func sampleResponse() *models.RecommendResponse {
	return &models.RecommendResponse{
		Recommendations: []models.Recommendation{
			{ID: 3, Distance: 0.12, Metadata: models.Metadata{"name": "Linen shirt", "url": "https://example.com/3.jpg", "color": "white"}},
			{ID: 9, Distance: 0.4, Metadata: models.Metadata{"name": "Chinos", "url": "https://example.com/9.jpg"}},
		},
		Strategy:        "proportional",
		Randomness:      0.4,
		SnapshotVersion: "v1",
		QueryTime:       3,
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", OutputText, false},
		{"text", OutputText, false},
		{"JSON", OutputJSON, false},
		{" compact ", OutputCompact, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestWriteRecommendations_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecommendations(&buf, sampleResponse(), OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Recommendations []map[string]any `json:"recommendations"`
		Strategy        string           `json:"strategy"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if len(decoded.Recommendations) != 2 || decoded.Recommendations[0]["name"] != "Linen shirt" {
		t.Errorf("decoded recommendations = %v", decoded.Recommendations)
	}
	if decoded.Strategy != "proportional" {
		t.Errorf("strategy = %s", decoded.Strategy)
	}
}

func TestWriteRecommendations_Text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecommendations(&buf, sampleResponse(), OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"2 recommendations", "strategy proportional", "Name: Linen shirt", "URL:  https://example.com/9.jpg", "color: white"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteRecommendations_Compact(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecommendations(&buf, sampleResponse(), OutputCompact); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if lines[0] != "3\t0.1200\tLinen shirt\thttps://example.com/3.jpg" {
		t.Errorf("line 0 = %q", lines[0])
	}
}

func TestWritePrediction(t *testing.T) {
	pred := &models.Prediction{MainStyle: "Formal", MainConfidence: 80.5, SecondaryStyle: "Minimalist", SecondaryConfidence: 9.25, EmbeddingDim: 512}
	var buf bytes.Buffer
	if err := WritePrediction(&buf, pred, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Formal (80.50%)") || !strings.Contains(buf.String(), "embedding_dim:    512") {
		t.Errorf("text output:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "known_styles:     Casual, Business Casual, Formal,") {
		t.Errorf("text output missing known styles:\n%s", buf.String())
	}
	buf.Reset()
	_ = WritePrediction(&buf, pred, OutputCompact)
	if got := buf.String(); got != "Formal\t80.50\tMinimalist\t9.25\t512\n" {
		t.Errorf("compact output = %q", got)
	}
}

func TestWriteStatus_Text(t *testing.T) {
	status := &models.StatusResponse{
		SnapshotVersion: "abc",
		DatasetSize:     42,
		Dimension:       512,
		Metric:          "angular",
		IndexType:       "forest",
		Trees:           50,
		Config:          models.StatusConfig{Strategy: "semirandom", DefaultK: 5, MaxK: 30},
		Metrics:         models.QueryMetrics{Queries: 3},
	}
	var buf bytes.Buffer
	if err := WriteStatus(&buf, status, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"dataset_size:       42", "forest/angular, 50 trees", "strategy:           semirandom", "queries:            3"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestClient_Recommend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/recommend" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req models.RecommendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Embedding) != 2 || req.K == nil || *req.K != 2 {
			t.Errorf("request = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(sampleResponse())
	}))
	defer srv.Close()

	k := 2
	resp, err := NewClient(srv.URL+"/", time.Second).Recommend(context.Background(), &models.RecommendRequest{Embedding: []float32{1, 0}, K: &k})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Recommendations) != 2 || resp.Recommendations[1].ID != 9 {
		t.Errorf("response = %+v", resp)
	}
}

func TestClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"no snapshot loaded"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Status(context.Background())
	if err == nil || !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "no snapshot loaded") {
		t.Errorf("expected 503 error with body, got %v", err)
	}
}

func TestClient_Classify(t *testing.T) {
	img := filepath.Join(t.TempDir(), "look.png")
	pngHeader := []byte("\x89PNG\r\n\x1a\n0000")
	if err := os.WriteFile(img, pngHeader, 0644); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if !bytes.Equal(data, pngHeader) || header.Filename != "look.png" {
			t.Errorf("upload = %q (%s)", data, header.Filename)
		}
		if ct := header.Header.Get("Content-Type"); ct != "image/png" {
			t.Errorf("part Content-Type = %s", ct)
		}
		_, _ = w.Write([]byte(`{"main_style":"Streetwear","embedding_dim":1,"embedding":[0.5]}`))
	}))
	defer srv.Close()

	pred, err := NewClient(srv.URL, time.Second).Classify(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	if pred.MainStyle != "Streetwear" || len(pred.Embedding) != 1 {
		t.Errorf("prediction = %+v", pred)
	}
}

func TestClient_Reload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/reload" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"reloaded":true,"snapshot_version":"v2"}`))
	}))
	defer srv.Close()

	out, err := NewClient(srv.URL, 0).Reload(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out["snapshot_version"] != "v2" {
		t.Errorf("reload = %v", out)
	}
}
