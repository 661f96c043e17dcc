package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/hyperjump/stylematch/internal/classifier"
	"github.com/hyperjump/stylematch/internal/models"
	"github.com/hyperjump/stylematch/internal/retrieval"
	"github.com/hyperjump/stylematch/internal/storage"
)

func (s *Server) maxUploadBytes() int64 {
	if mb := s.config.Server.MaxUploadMB; mb > 0 {
		return int64(mb) << 20
	}
	return 10 << 20
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if s.classifier == nil {
		s.respondError(w, http.StatusNotImplemented, "classifier not configured")
		return
	}
	limit := s.maxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(limit); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "cannot read upload")
		return
	}
	if int64(len(data)) > limit {
		s.respondError(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	}
	s.logger.Debug("classify request", zap.String("filename", header.Filename), zap.Int("bytes", len(data)))

	pred, err := s.classifier.Classify(r.Context(), header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		var he *classifier.HTTPError
		switch {
		case errors.Is(err, classifier.ErrInvalidImage):
			s.respondError(w, http.StatusBadRequest, "Cannot read image: "+err.Error())
		case errors.As(err, &he):
			s.logger.Warn("model server error", zap.Int("status", he.StatusCode), zap.Error(err))
			s.respondError(w, he.StatusCode, err.Error())
		default:
			s.logger.Error("classification failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, "Cannot contact model server: "+err.Error())
		}
		return
	}
	s.respondJSON(w, http.StatusOK, pred)
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req models.RecommendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("recommend request", zap.Int("dimension", len(req.Embedding)), zap.String("strategy", req.Strategy))
	resp, err := s.engine.Recommend(r.Context(), &req)
	if err != nil {
		switch {
		case retrieval.IsInputError(err):
			s.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, retrieval.ErrNoSnapshot):
			s.respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("recommendation failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDatasetSize(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Retrieval().Pin()
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, models.DatasetSizeResponse{DatasetSize: view.Size()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Retrieval().Pin()
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	snap := view.Snapshot()
	m := snap.Manifest()
	policy := s.engine.Policy()
	resp := models.StatusResponse{
		SnapshotVersion: snap.Version(),
		DatasetSize:     snap.Size(),
		Dimension:       snap.Dimension(),
		Metric:          m.Metric,
		IndexType:       m.IndexType,
		Trees:           snap.Index().Trees(),
		BuiltAt:         m.BuiltAt,
		LoadedAt:        snap.LoadedAt(),
		Config: models.StatusConfig{
			Strategy:       string(policy.Strategy()),
			Randomness:     s.config.Recommend.Randomness,
			Presort:        policy.Presort(),
			DefaultK:       s.config.Recommend.DefaultK,
			MaxK:           s.config.Recommend.MaxK,
			SearchK:        s.config.Index.SearchK,
			ArtifactDir:    s.config.Storage.ArtifactDir,
			ArtifactSource: s.config.Artifact.Source,
			MetadataFormat: m.MetadataFormat,
		},
	}
	if snap.Dir() != "" {
		if n, err := storage.SnapshotUsageBytes(snap.Dir(), m); err == nil {
			resp.DiskUsageBytes = n
		}
	}
	if bm, ok := s.engine.Retrieval().Metrics().(*retrieval.BasicMetricsCollector); ok {
		st := bm.GetStats()
		resp.Metrics = models.QueryMetrics{
			Queries:        st.Queries,
			InputErrors:    st.InputErrors,
			InternalErrors: st.InternalErrors,
			MeanDistance:   st.MeanDistance,
			MeanLatencyMs:  float64(st.AvgLatency.Microseconds()) / 1000,
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		s.respondError(w, http.StatusNotImplemented, "reload not enabled")
		return
	}
	snap, swapped, err := s.reloader.Reload(r.Context())
	if err != nil {
		s.logger.Error("reload failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{"reloaded": swapped}
	if snap != nil {
		resp["snapshot_version"] = snap.Version()
		resp["dataset_size"] = snap.Size()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
