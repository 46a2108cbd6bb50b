package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ebsmothers/ebs-torchtune/internal/controller"
)

func TestHealthz(t *testing.T) {
	r := NewRouter(&Handler{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status inesperado: %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body no es JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body inesperado: %v", body)
	}
}

func TestStatusSinCorrida(t *testing.T) {
	r := NewRouter(&Handler{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("esperaba 503, vino %d", rec.Code)
	}
}

func TestStatusConCorrida(t *testing.T) {
	st := controller.Status{RunID: "run-1", State: "STEADY_STATE", Steps: 7, NumSteps: 10}
	r := NewRouter(&Handler{
		Status: func() (controller.Status, bool) { return st, true },
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status inesperado: %d", rec.Code)
	}
	var got controller.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("body no es JSON: %v", err)
	}
	if got.RunID != "run-1" || got.Steps != 7 || got.State != "STEADY_STATE" {
		t.Fatalf("status inesperado: %+v", got)
	}
}

func TestMetricsExpuesto(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRouter(&Handler{Registry: reg})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status inesperado: %d", rec.Code)
	}
}
