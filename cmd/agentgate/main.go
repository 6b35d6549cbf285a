// Command agentgate runs the mediation gateway behind a thin HTTP adapter.
// The core is the library under pkg/; this binary only wires configuration,
// stores, and routes.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentgate/agentgate/pkg/approval"
	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/config"
	"github.com/agentgate/agentgate/pkg/connector"
	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/counter"
	"github.com/agentgate/agentgate/pkg/crypto"
	"github.com/agentgate/agentgate/pkg/gateway"
	"github.com/agentgate/agentgate/pkg/manifest"
	"github.com/agentgate/agentgate/pkg/observability"
	"github.com/agentgate/agentgate/pkg/policy"
	"github.com/agentgate/agentgate/pkg/secrets"
	"github.com/agentgate/agentgate/pkg/token"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	cmd := "serve"
	if len(args) > 1 {
		cmd = args[1]
	}
	switch cmd {
	case "serve", "server":
		return runServe(cfg, stderr)
	case "verify":
		return runVerify(cfg, args[2:], stdout, stderr)
	case "export":
		return runExport(cfg, args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: agentgate [serve|verify|export]")
	fmt.Fprintln(w, "  serve    run the gateway HTTP adapter (default)")
	fmt.Fprintln(w, "  verify   verify an audit stream and print the report")
	fmt.Fprintln(w, "  export   write an evidence bundle to stdout")
}

type core struct {
	gateway   *gateway.Gateway
	manifests manifest.Store
	logger    *slog.Logger
	db        *sql.DB
}

func buildCore(cfg *config.Config) (*core, error) {
	logger := newLogger(cfg.LogLevel)

	signer, err := crypto.LoadSigner(cfg.SigningKeySeed, cfg.SigningKeyID, cfg.RequireProductionKeys)
	if err != nil {
		return nil, err
	}
	keys := crypto.NewKeySet(signer.PublicKeyBytes())

	var (
		db        *sql.DB
		manifests manifest.Store
		approvals approval.Store
		records   audit.Store
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		// SQLite allows a single writer; pin the pool to one connection so
		// concurrent callers are serialized by database/sql instead of
		// fighting for write locks across connections.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if manifests, err = manifest.NewSQLiteStore(db); err != nil {
			return nil, err
		}
		if approvals, err = approval.NewSQLiteStore(db); err != nil {
			return nil, err
		}
		if records, err = audit.NewSQLiteStore(db); err != nil {
			return nil, err
		}
	} else {
		manifests = manifest.NewMemoryStore()
		approvals = approval.NewMemoryStore()
		records = audit.NewMemoryStore()
	}

	var counters counter.Store
	switch {
	case cfg.RedisURL != "":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		counters = counter.NewRedisStore(redis.NewClient(opts))
	case cfg.CounterDatabaseURL != "":
		pg, err := sql.Open("postgres", cfg.CounterDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open counter database: %w", err)
		}
		if counters, err = counter.NewPostgresStore(pg); err != nil {
			return nil, err
		}
	default:
		counters = counter.NewMemoryStore()
		logger.Warn("counters are in-memory; budgets are per-process only")
	}

	issuers := token.NewIssuerRegistry()
	engine := policy.NewEngine(manifests, counters, approvals, issuers, keys,
		time.Duration(cfg.ApprovalExpirySeconds)*time.Second)

	guard := &connector.Guard{
		AllowHTTP:            cfg.AllowHTTPInConnectors,
		GlobalAllowedDomains: cfg.GlobalAllowedWebhookDomains,
	}
	conns := connector.New(guard, secrets.NewEnvProvider(), connector.Options{
		MaxRequestBytes:  cfg.MaxRequestBytes,
		MaxResponseBytes: cfg.MaxResponseBytes,
		DefaultTimeout:   time.Duration(cfg.DefaultConnectorTimeoutSeconds) * time.Second,
	})

	auditLogger := audit.NewLogger(records, signer)
	gw := gateway.New(engine, manifests, counters, approvals, conns, auditLogger, signer, keys,
		gateway.Options{
			OverrideTokenTTL: time.Duration(cfg.OverrideTokenTTLSeconds) * time.Second,
			PerOrgStreams:    cfg.PerOrgAuditStreams,
		})

	return &core{gateway: gw, manifests: manifests, logger: logger, db: db}, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func runServe(cfg *config.Config, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	if c.db != nil {
		defer c.db.Close()
	}

	var obs *observability.Provider
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obs, err = observability.New(ctx, obsCfg)
		if err != nil {
			c.logger.Warn("observability init failed", "error", err)
		} else {
			defer func() {
				shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = obs.Shutdown(shCtx)
			}()
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newMux(c, obs),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	c.logger.Info("gateway listening", "port", cfg.Port)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}
	return 0
}

func runVerify(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	c, err := buildCore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	if c.db != nil {
		defer c.db.Close()
	}

	stream := ""
	if len(args) > 0 {
		stream = args[0]
	}
	report, err := c.gateway.VerifyAuditChain(context.Background(), stream)
	if err != nil {
		fmt.Fprintf(stderr, "verification failed: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
	if !report.OK {
		return 1
	}
	return 0
}

func runExport(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	c, err := buildCore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	if c.db != nil {
		defer c.db.Close()
	}

	stream := ""
	if len(args) > 0 {
		stream = args[0]
	}
	bundle, report, err := c.gateway.ExportAuditBundle(context.Background(), stream, "", "", time.Now().UTC())
	if err != nil {
		fmt.Fprintf(stderr, "export failed: %v\n", err)
		return 1
	}
	if !report.OK {
		fmt.Fprintf(stderr, "warning: chain verification failed at index %d\n", report.FirstFailure.Index)
	}
	_, _ = stdout.Write(bundle)
	return 0
}

// newMux builds the thin JSON adapter over the core.
func newMux(c *core, obs *observability.Provider) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	type actionRequest struct {
		Context contracts.EvalContext `json:"context"`
		Action  contracts.Action      `json:"action"`
	}

	mux.HandleFunc("POST /v1/evaluate", func(w http.ResponseWriter, r *http.Request) {
		var req actionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		start := time.Now()
		d, err := c.gateway.Evaluate(r.Context(), req.Context, req.Action)
		if err != nil {
			writeFault(w, c.logger, err)
			return
		}
		if obs != nil {
			obs.RecordDecision(r.Context(), string(d.Outcome), float64(time.Since(start).Milliseconds()))
		}
		writeJSON(w, http.StatusOK, d)
	})

	mux.HandleFunc("POST /v1/execute", func(w http.ResponseWriter, r *http.Request) {
		var req actionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		start := time.Now()
		outcome, err := c.gateway.Execute(r.Context(), req.Context, req.Action)
		if err != nil && outcome == nil {
			writeFault(w, c.logger, err)
			return
		}
		if obs != nil && outcome != nil {
			obs.RecordDecision(r.Context(), string(outcome.Decision.Outcome), float64(time.Since(start).Milliseconds()))
			var cerr *contracts.ConnectorError
			if errors.As(err, &cerr) {
				obs.RecordConnectorFault(r.Context(), cerr.Kind)
			}
		}
		writeJSON(w, http.StatusOK, outcome)
	})

	mux.HandleFunc("POST /v1/manifests", func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		stored, err := c.manifests.Register(r.Context(), raw)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"org_id":  stored.Manifest.OrgID,
			"uapk_id": stored.Manifest.UAPKID,
			"version": stored.Manifest.Version,
			"hash":    stored.Hash,
		})
	})

	mux.HandleFunc("POST /v1/manifests/activate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OrgID   string `json:"org_id"`
			UAPKID  string `json:"uapk_id"`
			Version string `json:"version"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		stored, err := c.manifests.Activate(r.Context(), req.OrgID, req.UAPKID, req.Version)
		if err != nil {
			status := http.StatusUnprocessableEntity
			if errors.Is(err, manifest.ErrNotFound) {
				status = http.StatusNotFound
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"version": stored.Manifest.Version,
			"status":  string(stored.Manifest.Status),
		})
	})

	mux.HandleFunc("POST /v1/approvals/decide", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ApproverID string `json:"approver_id"`
			ApprovalID string `json:"approval_id"`
			Approve    bool   `json:"approve"`
			Note       string `json:"note"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		ap, tok, err := c.gateway.DecideApproval(r.Context(), req.ApproverID, req.ApprovalID, req.Approve, req.Note)
		if err != nil {
			status := http.StatusConflict
			if errors.Is(err, approval.ErrNotFound) {
				status = http.StatusNotFound
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		resp := map[string]interface{}{"approval": ap}
		if tok != "" {
			resp["override_token"] = tok
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /v1/audit/verify", func(w http.ResponseWriter, r *http.Request) {
		report, err := c.gateway.VerifyAuditChain(r.Context(), r.URL.Query().Get("stream"))
		if err != nil {
			writeFault(w, c.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	mux.HandleFunc("GET /v1/audit/export", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		bundle, _, err := c.gateway.ExportAuditBundle(r.Context(),
			q.Get("stream"), q.Get("org_id"), q.Get("uapk_id"), time.Now().UTC())
		if err != nil {
			writeFault(w, c.logger, err)
			return
		}
		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Disposition", `attachment; filename="evidence.tar.gz"`)
		_, _ = w.Write(bundle)
	})

	return mux
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFault(w http.ResponseWriter, logger *slog.Logger, err error) {
	var fault *policy.Fault
	code := contracts.ReasonEvalFault
	if errors.As(err, &fault) {
		code = fault.Code
	}
	logger.Error("request failed", "code", code, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": code})
}
