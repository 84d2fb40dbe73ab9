// Package adminserver exposes a small HTTP surface for operator
// liveness, readiness, metrics, and stream introspection.
package adminserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/jordigilh/kreactor/pkg/kreactor"
)

// StreamInspector reports live per-resource worker counts, satisfied by
// *kreactor.Reactor.
type StreamInspector interface {
	ActiveStreamCounts() map[kreactor.Resource]int
}

// New builds the admin router: /healthz and /readyz backed by checks,
// /metrics over the controller-runtime global registry (so collectors
// registered by this reactor and by any embedding controller-runtime
// manager are both served), and /debug/streams reporting live worker
// counts from inspector.
func New(inspector StreamInspector, checks ...healthz.Checker) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	healthzHandler := healthz.Handler{Checks: map[string]healthz.Checker{}}
	for i, check := range checks {
		healthzHandler.Checks[checkName(i)] = check
	}
	r.Handle("/healthz", &healthzHandler)
	r.Handle("/readyz", &healthzHandler)

	r.Handle("/metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))

	r.Get("/debug/streams", func(w http.ResponseWriter, req *http.Request) {
		counts := inspector.ActiveStreamCounts()
		encoded := make(map[string]int, len(counts))
		for resource, n := range counts {
			encoded[resource.String()] = n
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(encoded)
	})

	return r
}

func checkName(i int) string {
	return "check-" + string(rune('a'+i))
}
