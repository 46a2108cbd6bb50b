package http

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ebsmothers/ebs-torchtune/internal/controller"
)

// StatusProvider retorna el snapshot de la corrida en curso, o false si
// todavía no hay corrida.
type StatusProvider func() (controller.Status, bool)

// Handler agrupa las dependencias de las rutas de observación.
type Handler struct {
	Status   StatusProvider
	Registry *prometheus.Registry
	Profiler bool
}

// NewRouter arma el router chi con las rutas registradas.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	h.Register(r)
	return r
}

// Register registra las rutas en el router dado.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.healthz)
	r.Get("/status", h.status)

	if h.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{}))
	}

	if h.Profiler {
		r.Group(func(r chi.Router) {
			r.Get("/debug/pprof/", pprof.Index)
			r.Get("/debug/pprof/cmdline", pprof.Cmdline)
			r.Get("/debug/pprof/profile", pprof.Profile)
			r.Get("/debug/pprof/symbol", pprof.Symbol)
			r.Get("/debug/pprof/trace", pprof.Trace)
			r.Get("/debug/pprof/{name}", func(w http.ResponseWriter, req *http.Request) {
				pprof.Handler(chi.URLParam(req, "name")).ServeHTTP(w, req)
			})
		})
	}
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	if h.Status == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no_run"})
		return
	}
	st, ok := h.Status()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no_run"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
