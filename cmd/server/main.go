package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/shared-state-engine/internal/bootstrap"
	"github.com/example/shared-state-engine/internal/broadcast"
	"github.com/example/shared-state-engine/internal/config"
	"github.com/example/shared-state-engine/internal/engine"
	"github.com/example/shared-state-engine/internal/observability"
	"github.com/example/shared-state-engine/internal/pending"
	"github.com/example/shared-state-engine/internal/snapshot"
	"github.com/example/shared-state-engine/internal/storage"
	"github.com/example/shared-state-engine/internal/types"
	"github.com/example/shared-state-engine/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	opLog := storage.NewOpLog(resources.Postgres)
	eng := engine.New(types.SiteID(cfg.SiteID), logger)
	buffer := pending.NewBuffer(eng, logger)
	snapshotWorker := snapshot.NewWorker(opLog, eng, snapshot.NewObjectStore(resources.Object), cfg.ObjectBucket, logger)

	if err := replayOpLog(ctx, opLog, eng, resources.Object, cfg.ObjectBucket, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to replay op log")
	}

	go checkpointLoop(ctx, opLog, eng, logger, cfg.HealthcheckProbe)
	snapshotWorker.Start(ctx)

	registry := ws.NewRegistry()
	broadcaster := broadcast.NewRedisBroadcaster(resources.Redis, registry, logger)
	broadcaster.Start(ctx)

	hooks := ws.Hooks{
		OnMessage: func(s *ws.Session, msg ws.Message) {
			handleFrame(ctx, s, msg, opLog, eng, buffer, registry, broadcaster, logger)
		},
		OnClose: func(s *ws.Session) {
			logger.Info().
				Str("document", string(s.DocumentID())).
				Str("site", string(s.SiteID())).
				Msg("session closed")
		},
	}

	auth := ws.AuthFunc(func(r *http.Request) (ws.Identity, error) {
		site := types.SiteID(r.URL.Query().Get("site_id"))
		if site == "" {
			return ws.Identity{}, fmt.Errorf("missing site_id")
		}
		return ws.Identity{Site: site}, nil
	})

	gateway, err := ws.NewGateway(auth, registry, logger, hooks, ws.GatewayConfig{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build gateway")
	}

	bootstrapSvc := bootstrap.NewService(opLog, cfg.ObjectBucket, bootstrap.NewObjectLoader(resources.Object), logger, bootstrap.ServiceConfig{
		SiteID: types.SiteID(cfg.SiteID),
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/documents/", bootstrap.NewHTTPHandler(bootstrapSvc, logger))
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info().Msg("server dependencies initialized")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	resources.Close()
	logger.Info().Msg("shutdown complete")
}

// handleFrame is the per-operation server path: persist, apply (possibly
// parking on a missing predecessor), advance the watermark, fan out locally,
// then relay to other instances.
func handleFrame(ctx context.Context, s *ws.Session, msg ws.Message, opLog *storage.OpLog, eng *engine.Engine, buffer *pending.Buffer, registry *ws.Registry, broadcaster *broadcast.RedisBroadcaster, logger zerolog.Logger) {
	if msg.Operation == "" {
		msg.Operation = types.OperationID(fmt.Sprintf("%s-%d", msg.Site, time.Now().UnixNano()))
	}

	payload, err := msg.Envelope.Encode()
	if err != nil {
		logger.Warn().Err(err).Str("site", string(msg.Site)).Msg("rejecting invalid envelope")
		return
	}

	lsn, err := opLog.Append(ctx, types.Record{
		Operation: msg.Operation,
		Document:  msg.Document,
		Site:      msg.Site,
		Payload:   payload,
	})
	if err != nil {
		logger.Error().Err(err).Str("operation", string(msg.Operation)).Msg("op log append failed")
		return
	}

	if err := buffer.Deliver(msg.Document, msg.Envelope); err != nil {
		logger.Info().Err(err).
			Str("operation", string(msg.Operation)).
			Int64("lsn", lsn).
			Msg("operation parked")
	}

	// The record is persisted either way, so the watermark moves even when the
	// envelope is parked, matching what a replay of the op log would report.
	eng.MarkApplied(msg.Document, msg.Operation, lsn)

	registry.Broadcast(msg.Document, msg, msg.Site)
	if err := broadcaster.Publish(ctx, msg); err != nil {
		logger.Warn().Err(err).Str("operation", string(msg.Operation)).Msg("relay publish failed")
	}
}

func replayOpLog(ctx context.Context, opLog *storage.OpLog, eng *engine.Engine, object *minio.Client, bucket string, logger zerolog.Logger) error {
	docs, err := opLog.ActiveDocuments(ctx)
	if err != nil {
		return fmt.Errorf("list active documents: %w", err)
	}

	for _, docID := range docs {
		checkpoint, err := opLog.LastCheckpoint(ctx, docID)
		if err != nil {
			return fmt.Errorf("read checkpoint for %s: %w", docID, err)
		}

		startLSN := checkpoint
		snapshotLSN, err := restoreFromSnapshot(ctx, opLog, eng, object, bucket, docID, logger)
		if err != nil {
			logger.Error().Err(err).Str("document", string(docID)).Msg("failed to restore snapshot; continuing from checkpoint")
		} else if snapshotLSN > startLSN {
			startLSN = snapshotLSN
		}

		if err := opLog.ReplayDocument(ctx, docID, startLSN, func(record types.Record) error {
			return eng.ApplyRecord(record)
		}); err != nil {
			return fmt.Errorf("replay document %s: %w", docID, err)
		}

		if last := eng.LastLSN(docID); last > 0 {
			if err := opLog.RecordCheckpoint(ctx, docID, last); err != nil {
				logger.Error().Err(err).Str("document", string(docID)).Msg("checkpoint after replay failed")
			}
		}
	}

	return nil
}

func restoreFromSnapshot(ctx context.Context, opLog *storage.OpLog, eng *engine.Engine, object *minio.Client, bucket string, docID types.DocumentID, logger zerolog.Logger) (int64, error) {
	if object == nil {
		return 0, nil
	}

	ref, err := opLog.LatestSnapshot(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("lookup snapshot: %w", err)
	}
	if ref.OperationID == "" || ref.ObjectPath == "" {
		return 0, nil
	}

	loader := bootstrap.NewObjectLoader(object)
	data, err := loader.Load(ctx, bucket, ref.ObjectPath)
	if err != nil {
		return 0, fmt.Errorf("load snapshot object: %w", err)
	}

	payload, err := snapshot.DecodePayload(data)
	if err != nil {
		return 0, fmt.Errorf("decode snapshot: %w", err)
	}
	if payload.Document != "" && payload.Document != docID {
		logger.Warn().Str("document", string(docID)).Str("snapshot_doc", string(payload.Document)).Msg("snapshot document mismatch")
	}

	eng.Restore(docID, payload.Ops, payload.Properties, payload.LastOpID, ref.LastLSN)
	logger.Info().Str("document", string(docID)).Str("op_id", string(ref.OperationID)).Msg("restored snapshot")

	return ref.LastLSN, nil
}

func checkpointLoop(ctx context.Context, opLog *storage.OpLog, eng *engine.Engine, logger zerolog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, docID := range eng.Documents() {
				lsn := eng.LastLSN(docID)
				if lsn == 0 {
					continue
				}
				if err := opLog.RecordCheckpoint(ctx, docID, lsn); err != nil {
					logger.Error().Err(err).Str("document", string(docID)).Msg("failed to persist checkpoint")
					continue
				}
				if backlog, err := opLog.OperationCountAfterLSN(ctx, docID, lsn); err == nil {
					opLog.RecordBacklogMetric(docID, backlog)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
