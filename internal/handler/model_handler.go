package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/errors"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	maxBodyBytes = 1 << 20
)

// ModelService is the part of the model manager exposed over HTTP
type ModelService interface {
	LoadModel(ctx context.Context, req model.LoadRequest) (*model.LoadResult, error)
	UnloadModel(id string) bool
	DeleteModel(id string) (bool, error)
	PinModel(id string) error
	UnpinModel(id string) error
	CancelLoad(id string) bool
	GetStatistics() model.StorageStatistics
	GetManagerStatistics() model.ManagerStatistics
	ErrorReports() []model.ErrorReport
	Sessions() []model.ModelSession
	Subscribe(buffer int, modelIDs ...string) (<-chan model.LoadStatusEvent, func())
}

// LoadModelRequest is the body of POST /v1/models/{id}/load
type LoadModelRequest struct {
	URL             string   `json:"url"`
	Version         string   `json:"version"`
	CompressionType string   `json:"compression_type"`
	Checksum        string   `json:"checksum"`
	ForceDownload   bool     `json:"force_download"`
	Priority        string   `json:"priority"`
	Name            string   `json:"name"`
	Type            string   `json:"type"`
	Tags            []string `json:"tags"`
}

// ErrorResponse is returned for every failed request
type ErrorResponse struct {
	Error string      `json:"error"`
	Code  string      `json:"code"`
	Stage model.Stage `json:"stage,omitempty"`
}

// ModelHandler serves the control-plane API. Model bytes never cross it;
// loads answer with the result summary.
type ModelHandler struct {
	service     ModelService
	logger      *zap.Logger
	upgrader    websocket.Upgrader
	eventBuffer int
}

// NewModelHandler creates a new handler
func NewModelHandler(service ModelService, logger *zap.Logger) *ModelHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelHandler{
		service:     service,
		logger:      logger,
		eventBuffer: 64,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Router returns a router with every /v1 route registered
func (h *ModelHandler) Router() *mux.Router {
	router := mux.NewRouter()
	h.Register(router)
	return router
}

// Register adds the /v1 routes to router
func (h *ModelHandler) Register(router *mux.Router) {
	api := router.PathPrefix("/v1").Subrouter()
	api.Use(h.loggingMiddleware)

	api.HandleFunc("/models/{id}/load", h.handleLoad).Methods(http.MethodPost)
	api.HandleFunc("/models/{id}", h.handleUnload).Methods(http.MethodDelete)
	api.HandleFunc("/models/{id}/cache", h.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/models/{id}/pin", h.handlePin).Methods(http.MethodPost)
	api.HandleFunc("/models/{id}/unpin", h.handleUnpin).Methods(http.MethodPost)
	api.HandleFunc("/models/{id}/cancel", h.handleCancel).Methods(http.MethodPost)

	api.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/storage", h.handleStorage).Methods(http.MethodGet)
	api.HandleFunc("/errors", h.handleErrors).Methods(http.MethodGet)
	api.HandleFunc("/sessions", h.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/events", h.handleEvents).Methods(http.MethodGet)
}

func (h *ModelHandler) handleLoad(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body LoadModelRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			h.writeError(w, errors.InvalidArgument("invalid request body", err))
			return
		}
	}

	req := model.LoadRequest{
		ModelID:         id,
		URL:             body.URL,
		Version:         body.Version,
		CompressionType: body.CompressionType,
		Checksum:        body.Checksum,
		ForceDownload:   body.ForceDownload,
		Priority:        model.ParsePriority(body.Priority),
		Name:            body.Name,
		Type:            body.Type,
		Tags:            body.Tags,
	}

	result, err := h.service.LoadModel(r.Context(), req)
	if err != nil {
		status := errors.HTTPStatus(err)
		if result == nil || result.SessionID == "" {
			h.writeError(w, err)
			return
		}
		writeJSON(w, status, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *ModelHandler) handleUnload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_id": id,
		"unloaded": h.service.UnloadModel(id),
	})
}

func (h *ModelHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	deleted, err := h.service.DeleteModel(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_id": id,
		"deleted":  deleted,
	})
}

func (h *ModelHandler) handlePin(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.service.PinModel(id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"model_id": id, "pinned": true})
}

func (h *ModelHandler) handleUnpin(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.service.UnpinModel(id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"model_id": id, "pinned": false})
}

func (h *ModelHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.service.CancelLoad(id) {
		h.writeError(w, errors.NotFound(id).WithDetail("reason", "no load in flight"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"model_id": id, "cancelled": true})
}

func (h *ModelHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GetManagerStatistics())
}

func (h *ModelHandler) handleStorage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GetStatistics())
}

func (h *ModelHandler) handleErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ErrorReports())
}

func (h *ModelHandler) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Sessions())
}

// handleEvents streams LoadStatusEvents over a websocket. ?model= filters by
// id and may repeat.
func (h *ModelHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so no event after it is missed
	events, unsubscribe := h.service.Subscribe(h.eventBuffer, r.URL.Query()["model"]...)
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	h.logger.Debug("Event stream opened", zap.String("remote", r.RemoteAddr))

	closed := make(chan struct{})
	go readPump(conn, closed)
	h.writePump(conn, events, closed)

	h.logger.Debug("Event stream closed", zap.String("remote", r.RemoteAddr))
}

// readPump discards client frames and signals when the peer goes away
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *ModelHandler) writePump(conn *websocket.Conn, events <-chan model.LoadStatusEvent, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("Event stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (h *ModelHandler) writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("Request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{
		Error: err.Error(),
		Code:  errors.GetCode(err).String(),
		Stage: errors.GetStage(err),
	})
}

func (h *ModelHandler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
