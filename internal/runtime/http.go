package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ambiware-labs/murmur/internal/catalog"
	"github.com/ambiware-labs/murmur/internal/download"
	"github.com/ambiware-labs/murmur/internal/lifecycle"
	"github.com/ambiware-labs/murmur/internal/protocol"
	"github.com/ambiware-labs/murmur/internal/store"
)

// maxAudioBytes caps one transcription upload. Whisper clips are short
// voice commands, not podcasts.
const maxAudioBytes = 64 << 20

func (r *Runtime) routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	mux.HandleFunc("POST /v1/transcribe", r.handleTranscribe)
	mux.HandleFunc("GET /v1/models", r.handleListModels)
	mux.HandleFunc("POST /v1/models/{variant}/download", r.handleDownloadModel)
	mux.HandleFunc("DELETE /v1/models/{variant}", r.handleDeleteModel)
	mux.HandleFunc("POST /v1/models/validate", r.handleValidateModels)
	mux.HandleFunc("GET /v1/recommendation", r.handleRecommendation)
	mux.HandleFunc("GET /v1/status", r.handleStatus)
	mux.HandleFunc("GET /v1/history", r.handleHistory)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleTranscribe(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxAudioBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("empty audio payload"))
		return
	}
	if len(body) > maxAudioBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("audio payload too large"))
		return
	}

	res, err := r.router.Transcribe(req.Context(), body, nil)
	if err != nil {
		r.logger.Warn("transcription failed", slog.String("error", err.Error()))
		writeError(w, transcribeStatusCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type modelInfo struct {
	Variant      string `json:"variant"`
	FileName     string `json:"file_name"`
	SizeBytes    int64  `json:"size_bytes"`
	AccuracyTier string `json:"accuracy_tier"`
	SpeedTier    string `json:"speed_tier"`
	Downloaded   bool   `json:"downloaded"`
	Loaded       bool   `json:"loaded"`
}

func (r *Runtime) handleListModels(w http.ResponseWriter, _ *http.Request) {
	loaded, hasLoaded := r.manager.LoadedVariant()
	var out []modelInfo
	for _, meta := range r.catalog.AllMetadata() {
		downloaded, err := r.modelsDir.IsDownloaded(meta.Variant)
		if err != nil {
			r.logger.Warn("failed to inspect model file",
				slog.String("variant", string(meta.Variant)),
				slog.String("error", err.Error()))
		}
		out = append(out, modelInfo{
			Variant:      string(meta.Variant),
			FileName:     meta.FileName,
			SizeBytes:    meta.SizeBytes,
			AccuracyTier: meta.AccuracyTier,
			SpeedTier:    meta.SpeedTier,
			Downloaded:   downloaded,
			Loaded:       hasLoaded && loaded == meta.Variant,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Runtime) handleDownloadModel(w http.ResponseWriter, req *http.Request) {
	v, err := catalog.ParseVariant(req.PathValue("variant"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	err = r.downloads.Download(req.Context(), v, func(p protocol.DownloadProgress) {
		if err := r.busClient.PublishJSON(protocol.SubjectDownloadProgress, p); err != nil {
			r.logger.Warn("failed to publish download progress", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		writeError(w, downloadStatusCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"variant": string(v), "status": download.StatusCompleted})
}

func (r *Runtime) handleDeleteModel(w http.ResponseWriter, req *http.Request) {
	v, err := catalog.ParseVariant(req.PathValue("variant"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := r.modelsDir.Delete(v); err != nil {
		if errors.Is(err, store.ErrNotDownloaded) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type validationRow struct {
	Variant string `json:"variant"`
	Existed bool   `json:"existed"`
	Valid   bool   `json:"valid"`
	Removed bool   `json:"removed"`
	Error   string `json:"error,omitempty"`
}

// handleValidateModels re-runs the corruption sweep on demand. The same
// sweep runs unconditionally at startup.
func (r *Runtime) handleValidateModels(w http.ResponseWriter, req *http.Request) {
	results := r.modelsDir.ValidateAll(req.Context())
	r.reportStartupValidation(results)

	rows := make([]validationRow, 0, len(results))
	for _, res := range results {
		row := validationRow{
			Variant: string(res.Variant),
			Existed: res.Existed,
			Valid:   res.Valid,
			Removed: res.Removed,
		}
		if res.Err != nil {
			row.Error = res.Err.Error()
		}
		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, rows)
}

func (r *Runtime) handleRecommendation(w http.ResponseWriter, _ *http.Request) {
	rec, snap, err := r.advisor.RecommendFromProbe(r.probe)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recommendation":         rec,
		"available_memory_bytes": snap.AvailableMemoryBytes,
		"available_disk_bytes":   snap.AvailableDiskBytes,
		"total_memory_bytes":     snap.TotalMemoryBytes,
		"total_disk_bytes":       snap.TotalDiskBytes,
	})
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"lifecycle":    r.manager.Status(),
		"queue_length": r.queue.Len(),
		"processing":   r.queue.IsProcessing(),
	})
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	transcripts, err := r.history.ListTranscripts(req.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	fallbacks, err := r.history.ListFallbacks(req.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transcripts": transcripts,
		"fallbacks":   fallbacks,
	})
}

func transcribeStatusCode(err error) int {
	var loadErr *lifecycle.LoadFailureError
	switch {
	case errors.Is(err, store.ErrNotDownloaded):
		return http.StatusConflict
	case errors.As(err, &loadErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func downloadStatusCode(err error) int {
	var checksum *download.ChecksumMismatchError
	var space *download.InsufficientDiskSpaceError
	var network *download.NetworkError
	switch {
	case errors.As(err, &space):
		return http.StatusInsufficientStorage
	case errors.As(err, &checksum):
		return http.StatusBadGateway
	case errors.As(err, &network):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
