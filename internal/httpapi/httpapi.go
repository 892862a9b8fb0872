// Package httpapi exposes the resolution engine over JSON HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/bjmayor/finance-permission-system/pkg/logger"
	"github.com/bjmayor/finance-permission-system/pkg/permission"
	"github.com/bjmayor/finance-permission-system/pkg/server"
	serverErrors "github.com/bjmayor/finance-permission-system/pkg/server/errors"
)

// Config tunes the HTTP surface.
type Config struct {
	Logger logger.Logger

	CORSAllowedOrigins []string
	CORSAllowedHeaders []string

	// EnableMetricsEndpoint mounts /metrics on the API listener.
	EnableMetricsEndpoint bool
}

// Handler is the HTTP front of a [server.Server].
type Handler struct {
	srv    *server.Server
	logger logger.Logger
}

// New builds the full HTTP handler chain: routing, CORS and tracing.
func New(srv *server.Server, cfg Config) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}
	h := &Handler{srv: srv, logger: log}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	if cfg.EnableMetricsEndpoint {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/access/{supervisor_id:[0-9]+}", h.resolveAccess).Methods(http.MethodGet)
	v1.HandleFunc("/snapshot/rebuilds", h.startRebuild).Methods(http.MethodPost)
	v1.HandleFunc("/snapshot/rebuilds/{rebuild_id}", h.rebuildStatus).Methods(http.MethodGet)
	v1.HandleFunc("/funds/{fund_id:[0-9]+}/access", h.revoke).Methods(http.MethodDelete)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedHeaders: cfg.CORSAllowedHeaders,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}).Handler(router)

	return otelhttp.NewHandler(corsHandler, "financeperm.http")
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WarnWithContext(ctx, "write response", zap.Error(err))
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := serverErrors.HTTPStatus(err)
	body := errorBody{Code: string(serverErrors.CodeInternal), Message: "internal error"}

	var apiErr *serverErrors.Error
	if errors.As(err, &apiErr) {
		body.Code = string(apiErr.Code())
		body.Message = apiErr.Message()
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorWithContext(ctx, "request failed", zap.Error(err))
	}
	h.writeJSON(ctx, w, status, body)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ready, err := h.srv.IsReady(r.Context())
	if err != nil || !ready {
		h.writeJSON(r.Context(), w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, serverErrors.InvalidArgument("%s must be an integer", key)
	}
	return n, nil
}

func queryTypes(r *http.Request) ([]permission.Type, error) {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return nil, nil
	}
	var types []permission.Type
	for _, tag := range strings.Split(raw, ",") {
		t, err := permission.ParseType(strings.TrimSpace(tag))
		if err != nil {
			return nil, serverErrors.InvalidArgument("%v", err)
		}
		types = append(types, t)
	}
	return types, nil
}

func (h *Handler) resolveAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	supervisorID, err := strconv.ParseUint(mux.Vars(r)["supervisor_id"], 10, 64)
	if err != nil {
		h.writeError(ctx, w, serverErrors.InvalidArgument("supervisor_id must be an integer"))
		return
	}

	req := &server.ResolveAccessRequest{
		UserID:         supervisorID,
		SortBy:         r.URL.Query().Get("sort_by"),
		Order:          r.URL.Query().Get("order"),
		PreferSnapshot: r.URL.Query().Get("source") == "snapshot",
	}
	if req.Types, err = queryTypes(r); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if req.Page, err = queryInt(r, "page"); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if req.PageSize, err = queryInt(r, "page_size"); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if req.MaxDepth, err = queryInt(r, "max_depth"); err != nil {
		h.writeError(ctx, w, err)
		return
	}

	resp, err := h.srv.ResolveAccess(ctx, req)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, resp)
}

func (h *Handler) startRebuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp, err := h.srv.RebuildSnapshot(ctx)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusAccepted, resp)
}

func (h *Handler) rebuildStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp, err := h.srv.RebuildStatus(ctx, mux.Vars(r)["rebuild_id"])
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, resp)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fundID, err := strconv.ParseUint(mux.Vars(r)["fund_id"], 10, 64)
	if err != nil {
		h.writeError(ctx, w, serverErrors.InvalidArgument("fund_id must be an integer"))
		return
	}

	resp, err := h.srv.Revoke(ctx, fundID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, resp)
}
