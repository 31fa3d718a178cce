package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ambiyansyah-risyal/gentlefetch"
)

func newServeCmd() *cobra.Command {
	var addr string
	c := &cobra.Command{
		Use:   "serve [--addr host:port]",
		Short: "Serve fetches, statistics and metrics over HTTP.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			env, err := newEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			srv := &http.Server{
				Handler:           newRouter(env.client, env.metrics, env.logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				env.logger.Info("listening", zap.String("addr", ln.Addr().String()))
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					env.logger.Error("server error", zap.Error(err))
					stop()
				}
			}()

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return c
}

// newRouter exposes the client over HTTP:
//
//	GET  /fetch?url=...&cache=false&max_age=10m
//	POST /purge?max_age=1h
//	GET  /stats
//	GET  /proxies
//	GET  /metrics
func newRouter(client *gentlefetch.Client, metrics *gentlefetch.MetricsCollector, logger *zap.Logger) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/fetch", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		target := q.Get("url")
		if target == "" {
			http.Error(w, "missing url", http.StatusBadRequest)
			return
		}
		opts := gentlefetch.CacheOptions{UseCache: q.Get("cache") != "false"}
		if v := q.Get("max_age"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				http.Error(w, "invalid max_age", http.StatusBadRequest)
				return
			}
			opts.MaxAge = d
		}

		resp, err := client.Get(req.Context(), target, nil, opts)
		if err != nil {
			logger.Warn("fetch failed", zap.String("url", target), zap.Error(err))
			writeJSON(w, errorStatus(err), map[string]string{
				"kind":  string(gentlefetch.KindOf(err)),
				"error": err.Error(),
			})
			return
		}
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		if resp.FromCache {
			w.Header().Set("X-Gentlefetch-Cache", "hit")
		} else {
			w.Header().Set("X-Gentlefetch-Cache", "miss")
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
	}).Methods(http.MethodGet)

	r.HandleFunc("/purge", func(w http.ResponseWriter, req *http.Request) {
		var maxAge time.Duration
		if v := req.URL.Query().Get("max_age"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				http.Error(w, "invalid max_age", http.StatusBadRequest)
				return
			}
			maxAge = d
		}
		n, err := client.Purge(req.Context(), maxAge)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
	}).Methods(http.MethodPost)

	r.HandleFunc("/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, client.Stats())
	}).Methods(http.MethodGet)

	r.HandleFunc("/proxies", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, client.ProxyPool().Stats())
	}).Methods(http.MethodGet)

	r.HandleFunc("/version", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, gentlefetch.GetVersionInfo())
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r
}

func errorStatus(err error) int {
	switch gentlefetch.KindOf(err) {
	case gentlefetch.KindPermanentRequestFailure, gentlefetch.KindValidation:
		return http.StatusBadRequest
	case gentlefetch.KindClosed, gentlefetch.KindProxyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
