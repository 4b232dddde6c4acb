package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vango-dev/mtproto"
	mterrors "github.com/vango-dev/mtproto/internal/errors"
	"github.com/vango-dev/mtproto/pkg/network"
)

// maxRequestBody bounds POST /v1/call bodies.
const maxRequestBody = 1 << 20

func serveCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an HTTP gateway to the primary DC",
		Long: `Connect to the primary DC and serve HTTP:

  GET  /healthz   liveness
  GET  /readyz    200 once the primary DC answered, 503 before
  GET  /metrics   Prometheus metrics
  POST /v1/call   JSON request in, JSON result out

/v1/call accepts the dc, kind and timeout query parameters.

Examples:
  mtctl serve
  mtctl serve --listen 0.0.0.0:9090
  curl -d '{"_": "help.getNearestDc"}' localhost:9090/v1/call`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(listen)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Address to listen on (default: metrics.listen from the config)")

	return cmd
}

func runServe(listen string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listen == "" {
		listen = cfg.Metrics.Listen
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := mtproto.New(cfg, mtproto.WithLogger(logger), mtproto.WithRegistry(reg))
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		return describe(err)
	}

	srv := &http.Server{
		Addr:              listen,
		Handler:           newGateway(clientBackend{client}, reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printBanner()
	success("Serving on http://%s", listen)
	info("DC %d via %s", cfg.DC.ID, cfg.Transport)
	fmt.Println()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	fmt.Println("\n\n  Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// backend is what the gateway needs from a client.
type backend interface {
	CallJSON(ctx context.Context, r io.Reader, opts ...network.CallOption) ([]byte, error)
	State() network.DCState
}

type clientBackend struct {
	*mtproto.Client
}

func (b clientBackend) State() network.DCState {
	if p := b.Manager().Primary(); p != nil {
		return p.State()
	}
	return network.StateIdle
}

type gateway struct {
	backend backend
	logger  *slog.Logger
}

func newGateway(b backend, reg *prometheus.Registry, logger *slog.Logger) http.Handler {
	g := &gateway{backend: b, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", g.ready)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Route("/v1", func(r chi.Router) {
		r.Post("/call", g.call)
	})
	return r
}

func (g *gateway) ready(w http.ResponseWriter, r *http.Request) {
	state := g.backend.State()
	if state != network.StateUsable {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprintf(w, "%s\n", state)
}

func (g *gateway) call(w http.ResponseWriter, r *http.Request) {
	flags, err := queryFlags(r)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	opts, err := flags.options()
	if err != nil {
		g.fail(w, r, err)
		return
	}

	out, err := g.backend.CallJSON(r.Context(), http.MaxBytesReader(w, r.Body, maxRequestBody), opts...)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func queryFlags(r *http.Request) (callFlags, error) {
	q := r.URL.Query()
	flags := callFlags{kind: string(network.KindMain)}
	if v := q.Get("kind"); v != "" {
		flags.kind = v
	}
	if v := q.Get("dc"); v != "" {
		dc, err := strconv.Atoi(v)
		if err != nil {
			return flags, mterrors.New("E140").WithDetail("dc must be an integer").Wrap(err)
		}
		flags.dc = dc
	}
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return flags, mterrors.New("E140").WithDetail("timeout must be a duration such as 5s").Wrap(err)
		}
		flags.timeout = d
	}
	return flags, nil
}

func (g *gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	status := httpStatus(e)
	if status >= http.StatusInternalServerError {
		g.logger.Error("call failed", "request_id", middleware.GetReqID(r.Context()), "code", e.Code, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, e.FormatJSON()+"\n")
}
