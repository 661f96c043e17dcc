// Package recommend combines retrieval and candidate selection into the
// recommendation operation the API serves.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/stylematch/internal/config"
	"github.com/hyperjump/stylematch/internal/models"
	"github.com/hyperjump/stylematch/internal/retrieval"
	"github.com/hyperjump/stylematch/internal/selection"
	"github.com/hyperjump/stylematch/pkg/utils"
)

// ErrInvalidRequest wraps request validation failures. It matches
// retrieval.ErrInvalidInput so callers can classify every input error alike.
var ErrInvalidRequest = fmt.Errorf("%w: invalid recommendation request", retrieval.ErrInvalidInput)

// Engine answers recommendation requests.
type Engine struct {
	retrieval *retrieval.Service
	policy    *selection.Policy
	config    *config.RecommendConfig
	logger    *zap.Logger
}

// NewEngine creates an engine. cfg supplies default and maximum k and the
// default randomness.
func NewEngine(svc *retrieval.Service, policy *selection.Policy, cfg *config.RecommendConfig, logger *zap.Logger) *Engine {
	return &Engine{
		retrieval: svc,
		policy:    policy,
		config:    cfg,
		logger:    utils.LoggerOrNop(logger),
	}
}

// Policy returns the selection policy.
func (e *Engine) Policy() *selection.Policy { return e.policy }

// Retrieval returns the underlying retrieval service.
func (e *Engine) Retrieval() *retrieval.Service { return e.retrieval }

// Recommend validates req, fetches candidates from one pinned snapshot and
// applies the selection policy.
func (e *Engine) Recommend(ctx context.Context, req *models.RecommendRequest) (*models.RecommendResponse, error) {
	start := time.Now()
	if err := req.Validate(e.config.DefaultK, e.config.MaxK, e.config.Randomness); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var override selection.Strategy
	if req.Strategy != "" {
		s, err := selection.ParseStrategy(req.Strategy)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		override = s
	}

	view, err := e.retrieval.Pin()
	if err != nil {
		return nil, err
	}
	// k == 0 never reaches the index, so the vector is checked up front.
	if err := view.CheckVector(req.Embedding); err != nil {
		return nil, err
	}
	sreq := selection.Request{
		K:           *req.K,
		Randomness:  *req.Randomness,
		DatasetSize: view.Size(),
		Strategy:    override,
	}
	fetch := func(ctx context.Context, n int) ([]retrieval.Result, error) {
		return view.Query(ctx, req.Embedding, n)
	}
	results, err := e.policy.Select(ctx, sreq, fetch)
	if err != nil {
		if errors.Is(err, selection.ErrInvalidRandomness) || errors.Is(err, selection.ErrInvalidK) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return nil, err
	}

	recs := make([]models.Recommendation, len(results))
	for i, r := range results {
		recs[i] = models.Recommendation{ID: r.ID, Distance: r.Distance, Metadata: r.Metadata}
	}
	strategy := e.policy.Effective(sreq)
	e.logger.Debug("recommendation served",
		zap.Int("k", sreq.K),
		zap.Float64("randomness", sreq.Randomness),
		zap.String("strategy", string(strategy)),
		zap.Int("results", len(recs)),
		zap.Duration("duration", time.Since(start)),
	)
	return &models.RecommendResponse{
		Recommendations: recs,
		Strategy:        string(strategy),
		Randomness:      sreq.Randomness,
		SnapshotVersion: view.Snapshot().Version(),
		QueryTime:       time.Since(start).Milliseconds(),
	}, nil
}
