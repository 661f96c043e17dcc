package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperjump/stylematch/internal/models"
)

// Client calls a running stylematch server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Recommend posts req to /recommend.
func (c *Client) Recommend(ctx context.Context, req *models.RecommendRequest) (*models.RecommendResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var out models.RecommendResponse
	if err := c.do(ctx, http.MethodPost, "/recommend", "application/json", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Classify uploads the image at path to /classify.
func (c *Client) Classify(ctx context.Context, path string) (*models.Prediction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
	h.Set("Content-Type", http.DetectContentType(data))
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	var out models.Prediction
	if err := c.do(ctx, http.MethodPost, "/classify", mw.FormDataContentType(), &buf, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches /status.
func (c *Client) Status(ctx context.Context) (*models.StatusResponse, error) {
	var out models.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reload asks the server to reload its artifacts.
func (c *Client) Reload(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, "/admin/reload", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
