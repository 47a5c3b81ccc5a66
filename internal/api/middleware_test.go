package api

import (
	"maps"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestRouteLabels(t *testing.T) {
	var (
		route  string
		labels map[string]string
	)
	noop := func(w http.ResponseWriter, r *http.Request) {}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			route, labels = routeLabels(r)
		})
	})
	router.Post("/tasks/{type}", noop)
	router.Route("/escalations", func(r chi.Router) {
		r.Post("/{id}/advance", noop)
	})
	router.Route("/syncs", func(r chi.Router) {
		r.Get("/{id}", noop)
		r.Get("/history", noop)
	})

	tests := []struct {
		name       string
		method     string
		path       string
		wantRoute  string
		wantLabels map[string]string
	}{
		{"Task", http.MethodPost, "/tasks/escalation", "/tasks/{type}", map[string]string{"task_type": "escalation"}},
		{"Escalation", http.MethodPost, "/escalations/ESC-1/advance", "/escalations/{id}/advance", map[string]string{"escalation_id": "ESC-1"}},
		{"Sync", http.MethodGet, "/syncs/SYNC-1", "/syncs/{id}", map[string]string{"sync_id": "SYNC-1"}},
		{"NoParams", http.MethodGet, "/syncs/history", "/syncs/history", map[string]string{}},
		{"Unrouted", http.MethodGet, "/nowhere", "/nowhere", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, labels = "", nil
			router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))
			if route != tt.wantRoute {
				t.Errorf("expected route %s, got %s", tt.wantRoute, route)
			}
			if !maps.Equal(labels, tt.wantLabels) {
				t.Errorf("expected labels %v, got %v", tt.wantLabels, labels)
			}
		})
	}
}
