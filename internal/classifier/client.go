// Package classifier is the client for the external model server that scores
// an image against the known styles and returns its embedding.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/stylematch/internal/models"
	"github.com/hyperjump/stylematch/pkg/utils"
)

// DefaultURL is the model server prediction endpoint used when none is configured.
const DefaultURL = "http://model-server:8080/predictions/clip"

// maxErrorBody bounds how much of an upstream error body is kept.
const maxErrorBody = 4 << 10

var (
	// ErrInvalidImage is returned when the upload cannot be decoded as an image.
	ErrInvalidImage = errors.New("classifier: cannot read image")
	// ErrUnavailable is returned when the model server cannot be reached.
	ErrUnavailable = errors.New("classifier: cannot contact model server")
	// ErrBadResponse is returned when the model server answers with something
	// other than a prediction.
	ErrBadResponse = errors.New("classifier: invalid model server response")
)

// HTTPError is a non-2xx answer from the model server.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("model server error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("model server error: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Classifier returns a prediction for an image.
type Classifier interface {
	Classify(ctx context.Context, filename, contentType string, data []byte) (*models.Prediction, error)
}

// Client talks to the model server over HTTP.
type Client struct {
	url     string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit caps outgoing requests at rps per second with the given
// burst. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the prediction endpoint at url.
func NewClient(url string, opts ...Option) *Client {
	if url == "" {
		url = DefaultURL
	}
	c := &Client{url: url, http: &http.Client{Timeout: 30 * time.Second}}
	for _, o := range opts {
		o(c)
	}
	c.logger = utils.LoggerOrNop(c.logger)
	return c
}

// URL returns the prediction endpoint.
func (c *Client) URL() string { return c.url }

// ValidateImage checks that data fully decodes as a supported image and
// returns its format name. Truncated uploads are rejected.
func ValidateImage(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty upload", ErrInvalidImage)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return "", fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}
	return format, nil
}

// Classify validates the image, forwards it to the model server as the
// multipart field "data" and decodes the prediction.
func (c *Client) Classify(ctx context.Context, filename, contentType string, data []byte) (*models.Prediction, error) {
	format, err := ValidateImage(data)
	if err != nil {
		return nil, err
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = "image/" + format
	}
	if filename == "" {
		filename = "image." + format
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	body, boundary, err := multipartBody(filename, contentType, data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("model server request failed", zap.String("url", c.url), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("model server returned error",
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var pred models.Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if len(pred.Embedding) == 0 {
		return nil, fmt.Errorf("%w: missing embedding", ErrBadResponse)
	}
	if pred.EmbeddingDim == 0 {
		pred.EmbeddingDim = len(pred.Embedding)
	}
	if pred.EmbeddingDim != len(pred.Embedding) {
		return nil, fmt.Errorf("%w: embedding_dim %d but %d values", ErrBadResponse, pred.EmbeddingDim, len(pred.Embedding))
	}
	c.logger.Debug("image classified",
		zap.String("main_style", pred.MainStyle),
		zap.Float64("main_confidence", pred.MainConfidence),
		zap.Int("embedding_dim", pred.EmbeddingDim),
		zap.Duration("duration", time.Since(start)),
	)
	return &pred, nil
}

func multipartBody(filename, contentType string, data []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="data"; filename="%s"`, escapeQuotes(filename)))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.Boundary(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }
