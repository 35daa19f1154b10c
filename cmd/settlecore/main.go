package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SettleCore/internal/compliance"
	"SettleCore/internal/config"
	"SettleCore/internal/custody"
	"SettleCore/internal/engine"
	"SettleCore/internal/event"
	"SettleCore/internal/ingestion"
	"SettleCore/internal/observability"
	"SettleCore/internal/persistence"
	"SettleCore/internal/projection"
	"SettleCore/internal/query"
	"SettleCore/internal/server"
	"SettleCore/internal/signing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	log := observability.NewLogger("settlecore")
	log.Info().Msg("settlecore starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	guardian := uuid.Nil
	if cfg.Core.Guardian != "" {
		guardian, err = uuid.Parse(cfg.Core.Guardian)
		if err != nil {
			log.Fatal().Err(err).Msg("parse guardian id")
		}
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, log)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Recovery: load snapshot ---
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("load snapshot failed")
	}

	startSequence := int64(0)
	if snap != nil {
		startSequence = snap.Sequence + 1
		log.Info().Int64("sequence", snap.Sequence).Msg("loaded snapshot")
	} else {
		log.Info().Msg("no snapshot, cold start from sequence 0")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// Persist channel blocks (backpressure); projection channel drops.
	persistChan := make(chan engine.CoreOutput, cfg.Core.PersistChanSize)
	projectionChan := make(chan engine.CoreOutput, cfg.Core.ProjectionChanSize)

	// --- External collaborators ---
	keyDir := signing.NewKeyDirectory()
	verifier := signing.NewVerifier(keyDir)

	adapter := custody.NewHTTPAdapter(cfg.Custody.BaseURL, cfg.Custody.Timeout(), log)

	oracle := compliance.NewHTTPOracle(cfg.Compliance.OracleURL, cfg.Compliance.Timeout(), log)
	gate := compliance.NewGate(oracle, cfg.Compliance.CacheTTL())
	for _, asset := range []string{"USDT", "USDC", "WBTC", "XOM"} {
		gate.RegisterAsset(asset)
	}

	// --- Settlement core ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	core := engine.NewCore(
		startSequence,
		engine.Config{
			DeploymentID:        cfg.Core.DeploymentID,
			Guardian:            guardian,
			CriticalMinimum:     cfg.Core.CriticalMinimum(),
			IdempotencyCapacity: cfg.Core.IdempotencyCapacity,
		},
		verifier,
		adapter,
		gate,
		persistChan,
		projectionChan,
		dbChecker,
		metrics,
	)

	if snap != nil {
		core.RestoreFromSnapshot(snap)
		log.Info().Int64("sequence", snap.Sequence).Msg("restored in-memory state")
	}

	errChan := make(chan error, 10)

	// --- Persistence and projection workers ---
	// Started before replay: replayed requests flow through the same
	// persist channel, deduplicated there by ON CONFLICT.
	persistWorker := persistence.NewWorker(db, persistChan, cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout(), metrics, log)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	projWorkerChan := make(chan engine.CoreOutput, cfg.Core.ProjectionChanSize)
	projWorker := projection.NewWorker(db, projWorkerChan, log)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	publishChan := make(chan ingestion.PublishableRecord, 4096)

	// Fan out projection outputs to the projection worker and the
	// outbound publisher, dropping when either side is full.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case output, ok := <-projectionChan:
				if !ok {
					return
				}
				select {
				case projWorkerChan <- output:
				default:
					metrics.ProjectionDrops.WithLabelValues("main").Inc()
				}
				select {
				case publishChan <- ingestion.PublishableRecord{
					Sequence:       output.Envelope.Sequence,
					RequestType:    output.Envelope.RequestType.String(),
					IdempotencyKey: output.Envelope.IdempotencyKey,
					Payload:        json.RawMessage(output.Envelope.Payload),
					StateHash:      output.Envelope.StateHash[:],
					Timestamp:      output.Envelope.Timestamp,
				}:
				default:
					metrics.PublishDrops.Inc()
				}
			}
		}
	}()

	// --- Replay the settlement log tail ---
	// Replay mode restricts idempotency to the in-memory tier: the DB tier
	// reads the settlement log itself and would classify every replayed
	// record as a duplicate.
	core.BeginReplay()
	replayCount, err := replayFromLog(ctx, snapMgr, core, startSequence, log)
	core.EndReplay()
	if err != nil {
		log.Fatal().Err(err).Msg("settlement log replay failed")
	}
	if replayCount > 0 {
		log.Info().Int64("replayed", replayCount).Int64("sequence", core.GetSequence()).Msg("replay complete")
	}

	if snap != nil && replayCount == 0 {
		if core.GetStateHash() != snap.StateHash {
			log.Fatal().
				Hex("expected", snap.StateHash[:]).
				Msg("state hash mismatch after snapshot restore")
		}
		log.Info().Msg("state hash verified after restore")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure nats streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawRequestChan := make(chan ingestion.RawRequest, 4096)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawRequestChan, log)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan, log)
	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	// --- Processing loop ---
	// The allocator is seeded after replay so injected requests continue
	// each partition's dense sequence counter where the log left off.
	injectChan := make(chan event.Request, 4096)
	seqAllocator := ingestion.NewSequenceAllocator(core.ExpectedSequences())
	injectService := ingestion.NewInjectService(injectChan, seqAllocator)

	// One goroutine drains both sources: the core is single-writer.
	go runProcessingLoop(ctx, rawRequestChan, injectChan, core, log)

	// --- Servers ---
	queryService := query.NewService(db)
	httpServer := server.NewHTTPServer(cfg.Server.HTTPAddr, &server.Deps{
		DB:            db,
		Query:         queryService,
		Inject:        injectService,
		SnapshotMgr:   snapMgr,
		HealthChecker: healthChecker,
		Log:           log,
	})
	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, log)
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	// --- Periodic snapshots ---
	go runPeriodicSnapshots(ctx, core, snapMgr, cfg.Persistence.SnapshotInterval, metrics, log)

	// --- Channel utilization sampling ---
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
				metrics.SetChannelMetrics("projection", len(projectionChan), cap(projectionChan))
			}
		}
	}()

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	log.Info().
		Int64("sequence", core.GetSequence()).
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Msg("settlecore ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	natsSubscriber.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := takeSnapshot(shutdownCtx, core, snapMgr, metrics); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Msg("final snapshot saved")
	}

	log.Info().Msg("settlecore shutdown complete")
}

// runProcessingLoop is the single feeder of the settlement core. It drains
// raw NATS requests and admin-injected requests in one goroutine; the core
// is not safe for concurrent callers. NATS messages are acked after parse
// and validation, not after core processing: core rejections are terminal,
// so redelivery cannot help.
func runProcessingLoop(
	ctx context.Context,
	rawChan <-chan ingestion.RawRequest,
	injectChan <-chan event.Request,
	core *engine.Core,
	log zerolog.Logger,
) {
	subjectToType := make(map[string]string)
	for _, sc := range ingestion.DefaultSubjects() {
		prefix := sc.Subject
		if len(prefix) > 2 && prefix[len(prefix)-2:] == ".>" {
			prefix = prefix[:len(prefix)-2]
		}
		subjectToType[prefix] = sc.RequestType
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			requestType := resolveRequestType(raw.Subject, subjectToType)
			if requestType == "" {
				log.Warn().Str("subject", raw.Subject).Msg("unknown nats subject")
				raw.AckFunc()
				continue
			}

			req, err := ingestion.ParseRawRequest(raw, requestType)
			if err != nil {
				log.Warn().Err(err).Str("subject", raw.Subject).Msg("parse request failed")
				raw.AckFunc()
				continue
			}
			raw.AckFunc()

			if err := core.ProcessRequest(ctx, req); err != nil {
				log.Warn().Err(err).
					Str("type", req.RequestType().String()).
					Str("key", req.IdempotencyKey()).
					Msg("request rejected")
			}
		case req, ok := <-injectChan:
			if !ok {
				return
			}
			if err := core.ProcessRequest(ctx, req); err != nil {
				log.Warn().Err(err).
					Str("type", req.RequestType().String()).
					Str("key", req.IdempotencyKey()).
					Msg("injected request rejected")
			}
		}
	}
}

// resolveRequestType matches a NATS subject against the longest configured prefix.
func resolveRequestType(subject string, prefixMap map[string]string) string {
	bestMatch := ""
	bestType := ""
	for prefix, reqType := range prefixMap {
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
			if len(prefix) > len(bestMatch) {
				bestMatch = prefix
				bestType = reqType
			}
		}
	}
	return bestType
}

// replayFromLog replays persisted requests starting at fromSequence.
func replayFromLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	core *engine.Core,
	fromSequence int64,
	log zerolog.Logger,
) (int64, error) {
	rows, err := snapMgr.LoadRequestsFrom(ctx, fromSequence)
	if err != nil {
		return 0, fmt.Errorf("load requests from seq %d: %w", fromSequence, err)
	}

	var replayed int64
	for _, row := range rows {
		req, err := ingestion.ParseStoredRequest(row.Payload, row.RequestType)
		if err != nil {
			log.Warn().Err(err).Int64("sequence", row.Sequence).Msg("skip unparseable stored request")
			continue
		}

		if err := core.ProcessRequest(ctx, req); err != nil {
			// Duplicates and ordering rejections are expected on replay.
			log.Debug().Err(err).Int64("sequence", row.Sequence).Msg("replay skip")
		}
		replayed++
	}

	return replayed, nil
}

// runPeriodicSnapshots takes a snapshot every N applied requests.
func runPeriodicSnapshots(
	ctx context.Context,
	core *engine.Core,
	snapMgr *persistence.SnapshotManager,
	interval int,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}

	lastSnapshotSeq := core.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := core.GetSequence()
			if currentSeq-lastSnapshotSeq >= int64(interval) {
				if err := takeSnapshot(ctx, core, snapMgr, metrics); err != nil {
					log.Warn().Err(err).Msg("periodic snapshot failed")
				} else {
					lastSnapshotSeq = currentSeq
					log.Info().Int64("sequence", currentSeq).Msg("periodic snapshot")
				}
			}
		}
	}
}

// takeSnapshot captures and persists the core's in-memory state.
func takeSnapshot(
	ctx context.Context,
	core *engine.Core,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	state := core.CreateSnapshotState()
	if err := snapMgr.SaveSnapshot(ctx, state, time.Now()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	// Created from live state, so trusted without a replay check.
	if err := snapMgr.MarkVerified(ctx, state.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	}

	return nil
}
