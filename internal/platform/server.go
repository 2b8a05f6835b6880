package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"provbus/internal/consumer"
	"provbus/internal/mq"
	"provbus/internal/platform/metrics"
	"provbus/internal/registry"
)

// HTTPServerConfig holds HTTP server tunables.
type HTTPServerConfig struct {
	Addr      string
	EnableTLS bool
	CertFile  string
	KeyFile   string
}

// API bundles the handlers' dependencies: the registry for subscription
// state and auth, the message service for consumer fetches, and the
// events-role queue connection for ingress publishes.
type API struct {
	registry *registry.Registry
	svc      *consumer.Service
	ingress  *mq.MQ
	admin    Credentials
	events   Credentials
	log      *slog.Logger
}

func NewAPI(reg *registry.Registry, svc *consumer.Service, ingress *mq.MQ, admin, events Credentials) *API {
	return &API{
		registry: reg,
		svc:      svc,
		ingress:  ingress,
		admin:    admin,
		events:   events,
		log:      slog.Default(),
	}
}

// Router builds the chi router with the full route set.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(chiLogger)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/health", Health)

	r.Post("/internal/admin/v1/subscriptions", a.createSubscription)
	r.Get("/internal/admin/v1/subscriptions", a.listSubscriptions)
	r.Get("/v1/subscriptions/{name}", a.getSubscription)
	r.Delete("/v1/subscriptions/{name}", a.deleteSubscription)
	r.Get("/v1/subscriptions/{name}/messages", a.getMessages)
	r.Post("/v1/subscriptions/{name}/messages-status", a.postMessagesStatus)
	r.Get("/v1/subscriptions/{name}/ws", a.subscriptionWS)
	r.Post("/v1/events", a.postEvent)

	return r
}

// Health returns 200 OK.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RunHTTPServer starts the HTTP server and returns a channel that will
// receive an error when the server exits (gracefully or not).
func RunHTTPServer(ctx context.Context, cfg HTTPServerConfig, handler http.Handler) <-chan error {
	errCh := make(chan error, 1)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errCh <- err
			return
		}
		errCh <- ctx.Err()
	}()

	go func() {
		var err error
		if cfg.EnableTLS {
			err = srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	return errCh
}

// chiLogger is a lightweight slog adapter for chi middleware.
func chiLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(t0)
		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, routePattern, fmt.Sprint(ww.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, routePattern).Observe(duration.Seconds())
		slog.Info("http", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", duration)
	})
}
