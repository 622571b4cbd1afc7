// Package http serves the admin and metrics listener: Prometheus metrics
// plus a small JSON API over the queue manager, used by the CLI subcommands.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drover-mta/drover/metrics"
	"github.com/drover-mta/drover/mlog"
	"github.com/drover-mta/drover/queue"
	"github.com/drover-mta/drover/spool"
)

// SubmitRequest is the body of POST /api/submit. Message is the full
// message data, base64 in the JSON encoding.
type SubmitRequest struct {
	Submission queue.Submission
	Message    []byte
}

// SubmitResponse returns the spool IDs of the accepted messages.
type SubmitResponse struct {
	IDs []int64
}

// AffectedResponse is returned by the bulk admin operations.
type AffectedResponse struct {
	Affected int
}

// SuspendRequest pauses matching messages, or with Site/Source set a ready
// queue, until Until.
type SuspendRequest struct {
	Filter queue.Filter
	Site   string
	Source string
	Until  time.Time
}

// Handler returns the admin API handler for mgr.
func Handler(elog *slog.Logger, mgr *queue.Manager) http.Handler {
	log := mlog.New("http", elog)
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	handle := func(pattern string, fn func(ctx context.Context, w http.ResponseWriter, r *http.Request) (any, error)) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := mlog.WithCid(r.Context())
			defer func() {
				x := recover()
				if x != nil {
					log.WithContext(ctx).Error("unhandled panic in admin api", slog.Any("panic", x), slog.String("path", r.URL.Path))
					metrics.PanicInc("http")
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			resp, err := fn(ctx, w, r)
			if err != nil {
				log.WithContext(ctx).Errorx("admin api request", err, slog.String("path", r.URL.Path))
				status := http.StatusInternalServerError
				if errors.Is(err, errBadRequest) || errors.Is(err, spool.ErrSuppressed) {
					status = http.StatusBadRequest
				} else if errors.Is(err, queue.ErrMemory) {
					status = http.StatusServiceUnavailable
				}
				metrics.AdminAPIObserve(r.Method, pattern, status, start)
				http.Error(w, err.Error(), status)
				return
			}
			metrics.AdminAPIObserve(r.Method, pattern, http.StatusOK, start)
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(resp); err != nil {
				log.WithContext(ctx).Debugx("writing admin api response", err)
			}
		})
	}

	handle("POST /api/queue/list", func(ctx context.Context, w http.ResponseWriter, r *http.Request) (any, error) {
		var f queue.Filter
		if err := decode(r, &f); err != nil {
			return nil, err
		}
		return mgr.List(ctx, f)
	})
	handle("POST /api/queue/kick", func(ctx context.Context, w http.ResponseWriter, r *http.Request) (any, error) {
		var f queue.Filter
		if err := decode(r, &f); err != nil {
			return nil, err
		}
		n, err := mgr.Kick(ctx, f)
		return AffectedResponse{n}, err
	})
	handle("POST /api/queue/hold", func(ctx context.Context, w http.ResponseWriter, r *http.Request) (any, error) {
		var f queue.Filter
		if err := decode(r, &f); err != nil {
			return nil, err
		}
		n, err := mgr.HoldSet(ctx, f, true)
		return AffectedResponse{n}, err
	})
	handle("POST /api/queue/unhold", func(ctx context.Context, w http.ResponseWriter, r *http.Request) (any, error) {
		var f queue.Filter
		if err := decode(r, &f); err != nil {
			return nil, err
		}
		n, err := mgr.HoldSet(ctx, f, false)
		return AffectedResponse{n}, err
	})
	handle("POST /api/queue/fail", func(ctx context.Context, w http.ResponseWriter, r *http.Request) (any, error) {
		var f queue.Filter
		if err := decode(r, &f); err != nil {
			return nil, err
		}
		n, err := mgr.Fail(ctx, f)
		return AffectedResponse{n}, err
	})
	handle("POST /api/queue/drop", func(ctx context.Context, w http.ResponseWriter, r *http.Request) (any, error) {
		var f queue.Filter
		if err := decode(r, &f); err != nil {
			return nil, err
		}
		n, err := mgr.Drop(ctx, f)
		return AffectedResponse{n}, err
	})
	handle("POST /api/queue/suspend", func(ctx context.Context, w http.ResponseWriter, r *http.Request) (any, error) {
		var req SuspendRequest
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		if req.Until.IsZero() {
			return nil, fmt.Errorf("%w: missing until", errBadRequest)
		}
		if req.Site != "" || req.Source != "" {
			mgr.Ready().Suspend(req.Site, req.Source, req.Until)
		} else {
			mgr.Suspend(ctx, req.Filter, req.Until)
		}
		return struct{}{}, nil
	})
	handle("GET /api/ready/depths", func(ctx context.Context, w http.ResponseWriter, r *http.Request) (any, error) {
		return mgr.Ready().Depths(), nil
	})
	handle("GET /api/suppress", func(ctx context.Context, w http.ResponseWriter, r *http.Request) (any, error) {
		return spool.SuppressionList(ctx)
	})
	handle("POST /api/suppress", func(ctx context.Context, w http.ResponseWriter, r *http.Request) (any, error) {
		address := r.FormValue("address")
		if address == "" {
			return nil, fmt.Errorf("%w: missing address", errBadRequest)
		}
		return struct{}{}, spool.SuppressionAdd(ctx, address, r.FormValue("reason"))
	})
	handle("DELETE /api/suppress", func(ctx context.Context, w http.ResponseWriter, r *http.Request) (any, error) {
		address := r.FormValue("address")
		if address == "" {
			return nil, fmt.Errorf("%w: missing address", errBadRequest)
		}
		return struct{}{}, spool.SuppressionRemove(ctx, address)
	})
	handle("POST /api/submit", func(ctx context.Context, w http.ResponseWriter, r *http.Request) (any, error) {
		var req SubmitRequest
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		ids, err := mgr.Submit(ctx, req.Submission, req.Message)
		if err != nil {
			return nil, err
		}
		return SubmitResponse{ids}, nil
	})

	return mux
}

var errBadRequest = errors.New("bad request")

func decode(r *http.Request, v any) error {
	buf, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 512*1024*1024))
	if err != nil {
		return fmt.Errorf("%w: reading body: %v", errBadRequest, err)
	}
	if len(buf) == 0 {
		return nil
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("%w: parsing body: %v", errBadRequest, err)
	}
	return nil
}

// Serve starts the admin listener on addr and serves until ctx is done.
func Serve(ctx context.Context, elog *slog.Logger, addr string, mgr *queue.Manager) error {
	log := mlog.New("http", elog)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %v", addr, err)
	}
	srv := &http.Server{
		Handler:           Handler(elog, mgr),
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelDebug),
	}
	go func() {
		<-ctx.Done()
		shutctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutctx); err != nil {
			log.Debugx("shutting down admin listener", err)
		}
	}()
	log.Info("admin listener started", slog.String("addr", addr))
	err = srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
