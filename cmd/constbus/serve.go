package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/constbus/pkg/audit"
	"github.com/Mindburn-Labs/constbus/pkg/bus"
	"github.com/Mindburn-Labs/constbus/pkg/config"
	"github.com/Mindburn-Labs/constbus/pkg/constitution"
	"github.com/Mindburn-Labs/constbus/pkg/contracts"
	"github.com/Mindburn-Labs/constbus/pkg/errorir"
	"github.com/Mindburn-Labs/constbus/pkg/observability"
	"github.com/Mindburn-Labs/constbus/pkg/registry"
	"github.com/Mindburn-Labs/constbus/pkg/routing"
	"github.com/Mindburn-Labs/constbus/pkg/workflow"
)

// request is one JSON line on stdin.
type request struct {
	Op         string                  `json:"op"`
	Agent      *contracts.Agent        `json:"agent,omitempty"`
	AgentID    string                  `json:"agent_id,omitempty"`
	Message    *contracts.AgentMessage `json:"message,omitempty"`
	Signals    []float64               `json:"signals,omitempty"`
	Trust      [][]float64             `json:"trust,omitempty"`
	InstanceID string                  `json:"instance_id,omitempty"`
	Vote       *workflow.Vote          `json:"vote,omitempty"`
	Token      string                  `json:"token,omitempty"`
	DecisionID string                  `json:"decision_id,omitempty"`
	Feedback   *routing.Feedback       `json:"feedback,omitempty"`
	EntryID    string                  `json:"entry_id,omitempty"`
}

// response is one JSON line on stdout.
type response struct {
	Op     string `json:"op"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Result any    `json:"result,omitempty"`
}

// runServeCmd implements `constbus serve`.
//
// Boots the bus from configuration and processes JSON-lines requests from
// stdin until EOF or a termination signal, then drains and seals the ledger.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var cfgPath string
	cmd.StringVar(&cfgPath, "config", "", "Path to a YAML or TOML config file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var (
		cfg *config.Config
		err error
	)
	if cfgPath != "" {
		cfg, err = config.LoadFile(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: config: %v\n", err)
		return 2
	}

	logger := newLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, cleanup, err := buildBus(ctx, cfg, logger)
	if err != nil {
		logger.Error("bus startup failed", "error", err)
		return 1
	}
	logger.Info("constbus started",
		"version", version,
		"constitution_hash", b.Constitution().Hash(),
		"anchor", cfg.Audit.Anchor,
	)

	serveLines(ctx, b, stdin, stdout, logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	code := 0
	if err := b.Close(shutdownCtx); err != nil {
		logger.Error("bus shutdown incomplete", "error", err)
		code = 1
	}
	cleanup()
	logger.Info("constbus stopped")
	return code
}

// buildBus wires every configured backend. cleanup releases what buildBus
// opened and must run after the bus is closed.
func buildBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*bus.Bus, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*bus.Bus, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	c := constitution.Default()
	if cfg.Constitution.Hash != "" {
		ver := cfg.Constitution.Version
		if ver == "" {
			ver = constitution.DefaultVersion
		}
		var err error
		if c, err = constitution.New(cfg.Constitution.Hash, ver); err != nil {
			return fail(err)
		}
	}

	telemetry, err := observability.New(ctx, &observability.Config{
		Enabled:      cfg.Observability.Enabled,
		ServiceName:  cfg.Observability.ServiceName,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		Insecure:     cfg.Observability.Insecure,
		SampleRate:   cfg.Observability.SampleRate,
	})
	if err != nil {
		return fail(fmt.Errorf("observability: %w", err))
	}
	closers = append(closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(sctx)
	})

	// Registry, optionally backed by Postgres.
	regOpts := []registry.Option{registry.WithLogger(logger.With("component", "registry"))}
	if cfg.Registry.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.Registry.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("registry database: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })
		store := registry.NewSQLStore(db)
		if err := store.Init(ctx); err != nil {
			return fail(fmt.Errorf("registry schema: %w", err))
		}
		regOpts = append(regOpts, registry.WithStore(store))
	}
	reg := registry.New(c, regOpts...)
	if err := reg.Load(ctx); err != nil {
		return fail(fmt.Errorf("registry load: %w", err))
	}

	// Router.
	var provider routing.ScoreProvider
	if cfg.Router.ScorerURL != "" {
		provider = routing.NewHTTPScoreProvider(cfg.Router.ScorerURL, cfg.Router.ScorerTimeout.Duration)
	}
	router, err := routing.NewRouter(provider, routing.Config{
		LearningRate:  cfg.Router.LearningRate,
		AdjustEvery:   cfg.Router.AdjustEvery,
		ScorerTimeout: cfg.Router.ScorerTimeout.Duration,
		FastTimeout:   cfg.Router.FastTimeout.Duration,
		ReviewTimeout: cfg.Router.ReviewTimeout.Duration,
		VoteTimeout:   cfg.Router.VoteTimeout.Duration,
	}, routing.WithLogger(logger.With("component", "router")))
	if err != nil {
		return fail(fmt.Errorf("router: %w", err))
	}

	// Audit ledger.
	ledgerOpts := []audit.Option{
		audit.WithLogger(logger.With("component", "audit")),
		audit.WithIntegrityHook(func(ctx context.Context, e *errorir.Error) {
			logger.ErrorContext(ctx, "audit integrity violation", "code", e.Code, "reason", e.Reason)
		}),
	}
	if cfg.Audit.SQLitePath != "" {
		store, err := audit.OpenSQLiteBatchStore(ctx, cfg.Audit.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("audit store: %w", err))
		}
		closers = append(closers, func() { _ = store.Close() })
		ledgerOpts = append(ledgerOpts, audit.WithStore(store))
	}
	if cfg.Audit.SigningSeed != "" {
		signer, err := audit.NewSigner([]byte(cfg.Audit.SigningSeed), cfg.Audit.KeyID)
		if err != nil {
			return fail(fmt.Errorf("audit signer: %w", err))
		}
		ledgerOpts = append(ledgerOpts, audit.WithSigner(signer))
	}
	switch cfg.Audit.Anchor {
	case "s3":
		anchor, err := audit.NewS3Anchor(ctx, audit.S3AnchorConfig{
			Bucket:    cfg.Audit.Bucket,
			Region:    cfg.Audit.Region,
			Endpoint:  cfg.Audit.Endpoint,
			Prefix:    cfg.Audit.Prefix,
			Retention: cfg.Audit.Retention.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("s3 anchor: %w", err))
		}
		ledgerOpts = append(ledgerOpts, audit.WithAnchorer(anchor))
	case "gcs":
		anchor, err := audit.NewGCSAnchor(ctx, audit.GCSAnchorConfig{Bucket: cfg.Audit.Bucket, Prefix: cfg.Audit.Prefix})
		if err != nil {
			return fail(fmt.Errorf("gcs anchor: %w", err))
		}
		closers = append(closers, func() { _ = anchor.Close() })
		ledgerOpts = append(ledgerOpts, audit.WithAnchorer(anchor))
	}
	ledger := audit.NewLedger(c, audit.Config{
		BatchSize:     cfg.Audit.BatchSize,
		BatchInterval: cfg.Audit.BatchInterval.Duration,
	}, ledgerOpts...)
	if err := ledger.Restore(ctx); err != nil {
		return fail(fmt.Errorf("audit restore: %w", err))
	}
	ledgerCtx, stopLedger := context.WithCancel(context.WithoutCancel(ctx))
	ledgerDone := make(chan struct{})
	go func() {
		defer close(ledgerDone)
		_ = ledger.Run(ledgerCtx)
	}()
	closers = append(closers, func() {
		stopLedger()
		<-ledgerDone
	})

	// Workflow.
	sagaOpts := []workflow.SagaOption{workflow.WithSagaLogger(logger.With("component", "saga"))}
	if cfg.Workflow.RedisURL != "" {
		idem, err := workflow.NewRedisIdempotencyStoreFromURL(cfg.Workflow.RedisURL, cfg.Workflow.IdempotencyTTL.Duration)
		if err != nil {
			return fail(fmt.Errorf("idempotency store: %w", err))
		}
		sagaOpts = append(sagaOpts, workflow.WithIdempotencyStore(idem))
	}
	var approvalOpts []workflow.ApprovalOption
	if cfg.Workflow.DecisionKey != "" {
		approvalOpts = append(approvalOpts,
			workflow.WithTokenVerifier(workflow.NewDecisionTokenVerifier([]byte(cfg.Workflow.DecisionKey), "constbus")))
	}
	onTimeout, err := workflow.ParseTimeoutPolicy(cfg.Workflow.OnTimeout)
	if err != nil {
		return fail(err)
	}

	b, err := bus.New(c, bus.Components{
		Registry:  reg,
		Router:    router,
		Ledger:    ledger,
		Approvals: workflow.NewApprovalManager(approvalOpts...),
		Runner:    workflow.NewSagaRunner(c, sagaOpts...),
		Workflow: workflow.OrchestratorConfig{
			OnTimeout:       onTimeout,
			EscalationTiers: cfg.Workflow.EscalationTiers,
			VoteQuorum:      cfg.Workflow.VoteQuorum,
			Retention:       cfg.Workflow.Retention.Duration,
		},
		WorkflowOptions: []workflow.OrchestratorOption{
			workflow.WithOrchestratorLogger(logger.With("component", "workflow")),
		},
		Telemetry: telemetry,
	}, bus.Config{
		Workers:     int64(cfg.Bus.Workers),
		RateLimit:   rate.Limit(cfg.Bus.RateLimit),
		RateBurst:   cfg.Bus.RateBurst,
		MailboxSize: cfg.Bus.MailboxSize,
	}, bus.WithLogger(logger.With("component", "bus")))
	if err != nil {
		return fail(err)
	}
	return b, cleanup, nil
}

// serveLines handles requests one per line. Malformed lines produce an
// error response and do not stop the loop.
func serveLines(ctx context.Context, b *bus.Bus, in io.Reader, out io.Writer, logger *slog.Logger) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(out)

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Error("reading requests failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if len(line) == 0 {
				continue
			}
			var req request
			var resp response
			if err := json.Unmarshal(line, &req); err != nil {
				resp = response{Op: "unknown", Error: "invalid request: " + err.Error()}
			} else {
				resp = handle(ctx, b, req)
			}
			if err := enc.Encode(resp); err != nil {
				logger.Error("writing response failed", "error", err)
				return
			}
		}
	}
}

func handle(ctx context.Context, b *bus.Bus, req request) response {
	resp := response{Op: req.Op}
	result, err := dispatch(ctx, b, req)
	resp.Result = result
	if err != nil {
		resp.Error = err.Error()
		if k := errorir.KindOf(err); k != "" {
			resp.Kind = string(k)
		}
		return resp
	}
	resp.OK = true
	return resp
}

var errMissingField = errors.New("missing required field")

func dispatch(ctx context.Context, b *bus.Bus, req request) (any, error) {
	switch req.Op {
	case "register":
		if req.Agent == nil {
			return nil, fmt.Errorf("%w: agent", errMissingField)
		}
		return b.RegisterAgent(ctx, *req.Agent)
	case "activate":
		return nil, b.ActivateAgent(ctx, req.AgentID)
	case "suspend":
		return nil, b.SuspendAgent(ctx, req.AgentID)
	case "unregister":
		return nil, b.UnregisterAgent(ctx, req.AgentID)
	case "send", "broadcast", "aggregate":
		if req.Message == nil {
			return nil, fmt.Errorf("%w: message", errMissingField)
		}
		var (
			res bus.SendResult
			err error
		)
		switch req.Op {
		case "send":
			res, err = b.SendMessage(ctx, req.Message)
		case "broadcast":
			res, err = b.BroadcastMessage(ctx, req.Message)
		default:
			res, err = b.SendAggregated(ctx, req.Message, req.Signals, req.Trust)
		}
		return res, err
	case "vote":
		if req.Vote == nil {
			return nil, fmt.Errorf("%w: vote", errMissingField)
		}
		return nil, b.Approvals().Resolve(ctx, req.InstanceID, *req.Vote)
	case "token":
		return nil, b.Approvals().ResolveToken(ctx, req.Token)
	case "status":
		return b.Instance(req.InstanceID)
	case "cancel":
		return nil, b.Cancel(req.InstanceID)
	case "feedback":
		if req.Feedback == nil {
			return nil, fmt.Errorf("%w: feedback", errMissingField)
		}
		return nil, b.Feedback(ctx, req.DecisionID, *req.Feedback)
	case "stats":
		return map[string]any{
			"router":     b.Router().Stats(),
			"thresholds": b.Router().Thresholds(),
			"unanchored": b.Ledger().Unanchored(),
			"pending":    len(b.Ledger().Pending()),
		}, nil
	case "seal":
		batch, err := b.Ledger().SealBatch(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"batch_id": batch.ID, "sequence": batch.Sequence, "merkle_root": batch.MerkleRoot}, nil
	case "proof":
		batch, err := b.Ledger().Find(ctx, req.EntryID)
		if err != nil {
			return nil, err
		}
		return b.Ledger().Proof(ctx, batch.ID, req.EntryID)
	}
	return nil, fmt.Errorf("unknown op %q", req.Op)
}
