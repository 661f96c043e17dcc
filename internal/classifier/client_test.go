package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperjump/stylematch/internal/models"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestValidateImage(t *testing.T) {
	format, err := ValidateImage(pngBytes(t))
	if err != nil {
		t.Fatal(err)
	}
	if format != "png" {
		t.Errorf("format = %s, want png", format)
	}
	full := pngBytes(t)
	truncated := full[:len(full)-16]
	if _, _, err := image.DecodeConfig(bytes.NewReader(truncated)); err != nil {
		t.Fatalf("truncated PNG should still have a readable header: %v", err)
	}
	for _, data := range [][]byte{nil, []byte("not an image"), truncated} {
		if _, err := ValidateImage(data); !errors.Is(err, ErrInvalidImage) {
			t.Errorf("ValidateImage(%q): expected ErrInvalidImage, got %v", data, err)
		}
	}
}

func TestClassify_Success(t *testing.T) {
	img := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		file, header, err := r.FormFile("data")
		if err != nil {
			t.Errorf("FormFile(data): %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		defer file.Close()
		got, _ := io.ReadAll(file)
		if !bytes.Equal(got, img) {
			t.Error("uploaded bytes differ")
		}
		if ct := header.Header.Get("Content-Type"); ct != "image/png" {
			t.Errorf("part Content-Type = %q", ct)
		}
		_ = json.NewEncoder(w).Encode(models.Prediction{
			MainStyle: "Casual", MainConfidence: 71.2,
			SecondaryStyle: "Streetwear", SecondaryConfidence: 12.5,
			EmbeddingDim: 3, Embedding: []float32{0.1, 0.2, 0.3},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("secret"), WithTimeout(5*time.Second))
	pred, err := c.Classify(context.Background(), "look.png", "", img)
	if err != nil {
		t.Fatal(err)
	}
	if pred.MainStyle != "Casual" || pred.SecondaryStyle != "Streetwear" || len(pred.Embedding) != 3 {
		t.Errorf("unexpected prediction %+v", pred)
	}
}

func TestClassify_NoTokenNoHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("Authorization header should be absent without a token")
		}
		_, _ = w.Write([]byte(`{"main_style":"Formal","embedding":[1,2]}`))
	}))
	defer srv.Close()

	pred, err := NewClient(srv.URL).Classify(context.Background(), "", "", pngBytes(t))
	if err != nil {
		t.Fatal(err)
	}
	if pred.EmbeddingDim != 2 {
		t.Errorf("EmbeddingDim = %d, want it filled from the embedding length", pred.EmbeddingDim)
	}
}

func TestClassify_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "upstream status passes through",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model not loaded", http.StatusServiceUnavailable)
			},
			check: func(t *testing.T, err error) {
				var he *HTTPError
				if !errors.As(err, &he) || he.StatusCode != http.StatusServiceUnavailable {
					t.Errorf("expected HTTPError 503, got %v", err)
				}
				if he != nil && he.Body != "model not loaded" {
					t.Errorf("body = %q", he.Body)
				}
			},
		},
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			check: func(t *testing.T, err error) {
				var he *HTTPError
				if !errors.As(err, &he) || he.StatusCode != http.StatusUnauthorized {
					t.Errorf("expected HTTPError 401, got %v", err)
				}
			},
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<html>"))
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrBadResponse) {
					t.Errorf("expected ErrBadResponse, got %v", err)
				}
			},
		},
		{
			name: "dimension disagreement",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"embedding_dim":4,"embedding":[1,2]}`))
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrBadResponse) {
					t.Errorf("expected ErrBadResponse, got %v", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, err := NewClient(srv.URL).Classify(context.Background(), "x.png", "image/png", pngBytes(t))
			tt.check(t, err)
		})
	}
}

func TestClassify_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, WithTimeout(time.Second)).Classify(context.Background(), "", "", pngBytes(t))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestClassify_InvalidImageNeverSent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Classify(context.Background(), "", "", []byte("plain text"))
	if !errors.Is(err, ErrInvalidImage) {
		t.Errorf("expected ErrInvalidImage, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("model server should not be called for an invalid image")
	}
}

func TestClassify_RateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":[1]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRateLimit(0.001, 1))
	if _, err := c.Classify(context.Background(), "", "", pngBytes(t)); err != nil {
		t.Fatalf("first request within burst: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Classify(ctx, "", "", pngBytes(t)); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected rate-limited request to fail with ErrUnavailable, got %v", err)
	}
}
