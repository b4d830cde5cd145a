// Package main — cmd/detector/main.go
//
// chainarb detector entrypoint.
//
// Startup sequence:
//  1. Parse flags.
//  2. Load and validate config (file + environment overrides).
//  3. Initialise structured logger (zap).
//  4. Open the bbolt-backed reference transport.
//  5. Construct the snapshot index, bridge latency model, and detector core.
//  6. Construct the election, standby, and coordinator trio.
//  7. Concurrently start the price and whale consumer subscriptions;
//     failures across these independent starts are aggregated rather
//     than stopping at the first one. Then start the DLQ supervisor's
//     and coordinator's background loops.
//  8. Start the Prometheus metrics HTTP surface.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence:
//  1. Cancel the root context and shut down the metrics HTTP server.
//  2. Wait for consumer subscriptions to drain (bounded by
//     consumer.shutdown_timeout).
//  3. Stop the DLQ supervisor and the coordinator (which stops election).
//  4. Close the transport.
//  5. Flush the logger.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/chainarb/detector/internal/bridge"
	"github.com/chainarb/detector/internal/confidence"
	"github.com/chainarb/detector/internal/config"
	"github.com/chainarb/detector/internal/consumer"
	"github.com/chainarb/detector/internal/coordinator"
	"github.com/chainarb/detector/internal/detector"
	"github.com/chainarb/detector/internal/dlq"
	"github.com/chainarb/detector/internal/election"
	"github.com/chainarb/detector/internal/event"
	"github.com/chainarb/detector/internal/logging"
	"github.com/chainarb/detector/internal/metrics"
	"github.com/chainarb/detector/internal/snapshot"
	"github.com/chainarb/detector/internal/standby"
	"github.com/chainarb/detector/internal/streamname"
	"github.com/chainarb/detector/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/chainarb/config.yaml", "Path to config.yaml")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chainarb-detector %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("chainarb detector starting",
		zap.String("version", config.Version),
		zap.String("instance_id", cfg.InstanceID),
		zap.String("region_id", cfg.RegionID),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, err := transport.OpenBolt(cfg.BoltPath)
	if err != nil {
		log.Fatal("transport open failed", zap.Error(err), zap.String("path", cfg.BoltPath))
	}
	defer tr.Close() //nolint:errcheck
	log.Info("transport opened", zap.String("path", cfg.BoltPath))

	m := metrics.New()

	weights := confidence.Weights{
		MaxConfidence:               cfg.Confidence.MaxConfidence,
		SuperWhaleThresholdUSD:      cfg.Confidence.SuperWhaleThresholdUSD,
		SignificantFlowThresholdUSD: cfg.Confidence.SignificantFlowThresholdUSD,
		WhaleBullishBoost:           cfg.Confidence.WhaleBullishBoost,
		WhaleBearishPenalty:         cfg.Confidence.WhaleBearishPenalty,
		SuperWhaleBoost:             cfg.Confidence.SuperWhaleBoost,
		MLEnabled:                   cfg.Confidence.MLEnabled,
		MLMinConfidence:             cfg.Confidence.MLMinConfidence,
		MLAlignedBoost:              cfg.Confidence.MLAlignedBoost,
		MLOpposedPenalty:            cfg.Confidence.MLOpposedPenalty,
	}

	snapIndex := snapshot.New(cfg.Snapshot.KeyTTL, cfg.Snapshot.MaxKeys, cfg.Snapshot.HistoryCapacity, m)
	bridgeModel := bridge.New(m)

	det := detector.New(detector.Config{
		ConfidenceThreshold:          cfg.Detector.ConfidenceThreshold,
		MLMaxLatency:                 cfg.Detector.MLMaxLatency,
		WhaleGuardRate:               cfg.Detector.WhaleGuardRate,
		WhaleGuardBurst:              cfg.Detector.WhaleGuardBurst,
		OpportunityMaxLen:            cfg.Consumer.MaxLen,
		SuperWhaleThresholdUSD:       cfg.Confidence.SuperWhaleThresholdUSD,
		SignificantFlowThresholdUSD:  cfg.Confidence.SignificantFlowThresholdUSD,
	}, snapIndex, tr, weights, &bridgeCostAdapter{bridgeModel}, nil, nil, m, log.Named("detector"))

	el := election.New(election.Config{
		LockKey:              cfg.Election.LockKey,
		LockTTL:              cfg.Election.LockTTL,
		HeartbeatInterval:    cfg.Election.HeartbeatInterval,
		InstanceID:           cfg.InstanceID,
		IsStandby:            cfg.Election.IsStandby,
		CanBecomeLeader:      cfg.Election.CanBecomeLeader,
		MaxHeartbeatFailures: cfg.Election.MaxHeartbeatFailures,
		JitterRange:          cfg.Election.JitterRange,
	}, tr, log.Named("election"), m, nil, func(alert event.LeadershipAlert) {
		log.Info("leadership alert", zap.String("type", string(alert.Type)), zap.String("message", alert.Message))
	})

	sb := standby.New(el, log.Named("standby"), m, nil)

	identity := coordinator.InstanceDescriptor{
		InstanceID:      cfg.InstanceID,
		RegionID:        cfg.RegionID,
		IsStandby:       cfg.Election.IsStandby,
		CanBecomeLeader: cfg.Election.CanBecomeLeader,
	}
	coordStreams := []coordinator.StreamGroup{
		{Stream: streamname.PriceUpdates, Group: "detector"},
		{Stream: streamname.WhaleAlerts, Group: "detector"},
		{Stream: streamname.Opportunities},
		{Stream: streamname.DeadLetterQueue},
	}
	coordCfg := coordinator.DefaultConfig()
	coordCfg.ScanInterval = cfg.Coordinator.ScanInterval
	coordCfg.FailoverTimeout = cfg.Coordinator.FailoverTimeout
	coordCfg.CircuitBreakerAPIKey = cfg.Coordinator.CircuitBreakerAPIKey
	coord := coordinator.New(coordCfg, identity, coordStreams, tr, el, sb, m, log.Named("coordinator"))

	dlqSupervisor := dlq.New(tr, log.Named("dlq"), m, cfg.DLQ.ScanInterval, cfg.DLQ.MaxMessagesPerScan)

	runtime := consumer.New(tr, log.Named("consumer"), m, cfg.Consumer.ShutdownTimeout)

	priceSub := consumer.Subscription{
		Stream: streamname.PriceUpdates, Group: "detector", Consumer: cfg.InstanceID,
		BatchSize: cfg.Consumer.BatchSize, BlockTimeout: cfg.Consumer.BlockTimeout,
		ClaimIdle: cfg.Consumer.ClaimIdle, MaxDeliveries: cfg.Consumer.MaxDeliveries, DLQMaxLen: cfg.Consumer.MaxLen,
		Validate: consumer.Chain(consumer.ValidateHasChain),
		Handle:   priceUpdateHandler(det),
	}
	whaleSub := consumer.Subscription{
		Stream: streamname.WhaleAlerts, Group: "detector", Consumer: cfg.InstanceID,
		BatchSize: cfg.Consumer.BatchSize, BlockTimeout: cfg.Consumer.BlockTimeout,
		ClaimIdle: cfg.Consumer.ClaimIdle, MaxDeliveries: cfg.Consumer.MaxDeliveries, DLQMaxLen: cfg.Consumer.MaxLen,
		Validate: consumer.Chain(consumer.ValidateHasChain),
		Handle:   whaleAlertHandler(det),
	}

	// Independent subsystem starts are run concurrently; failures are
	// aggregated so an operator sees every problem from one log line
	// rather than one restart per fix.
	if err := startAll(ctx,
		func() error { return runtime.Subscribe(ctx, priceSub) },
		func() error { return runtime.Subscribe(ctx, whaleSub) },
	); err != nil {
		log.Fatal("subsystem startup failed", zap.Error(err))
	}

	dlqSupervisor.Start(ctx)
	coord.Start(ctx)

	metricsSrv := &http.Server{Addr: ":9091", Handler: m.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", metricsSrv.Addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	runtime.Wait()
	dlqSupervisor.Stop()
	coord.Stop()

	log.Info("chainarb detector shutdown complete")
}

// startAll runs each starter concurrently, aggregating every failure
// with multierr rather than stopping at the first one, so independent
// subsystems can come up in parallel during bring-up.
func startAll(ctx context.Context, starters ...func() error) error {
	var mu sync.Mutex
	var combined error
	var wg sync.WaitGroup
	for _, start := range starters {
		wg.Add(1)
		go func(start func() error) {
			defer wg.Done()
			if err := start(); err != nil {
				mu.Lock()
				combined = multierr.Append(combined, err)
				mu.Unlock()
			}
		}(start)
	}
	wg.Wait()
	return combined
}

// bridgeCostAdapter satisfies detector.BridgeCostEstimator over the
// bridge latency model, using a medium urgency weighting as a
// reasonable default for the hot path's net-profit estimate.
type bridgeCostAdapter struct{ model *bridge.Model }

func (a *bridgeCostAdapter) EstimateCostUSD(sourceChain, targetChain string, amountUSD float64) float64 {
	pred := a.model.PredictOptimalBridge(sourceChain, targetChain, amountUSD, bridge.UrgencyMedium)
	if pred == nil {
		return 0
	}
	return pred.CostUSD
}

func priceUpdateHandler(det *detector.Detector) consumer.Handler {
	return func(ctx context.Context, fields map[string]string) error {
		var p event.PriceUpdate
		if err := decodeFields(fields, &p); err != nil {
			return consumer.Fatal(consumer.CodeValBadShape, err)
		}
		if err := det.HandleNewPrice(ctx, p); err != nil {
			return consumer.Transient(err)
		}
		return nil
	}
}

func whaleAlertHandler(det *detector.Detector) consumer.Handler {
	return func(ctx context.Context, fields map[string]string) error {
		var w event.WhaleTransaction
		if err := decodeFields(fields, &w); err != nil {
			return consumer.Fatal(consumer.CodeValBadShape, err)
		}
		if err := det.HandleWhaleAlert(ctx, w); err != nil {
			return consumer.Transient(err)
		}
		return nil
	}
}

// decodeFields reconstructs a typed struct from the string field map a
// StreamEntry carries, the inverse of consumer/dlq's toFieldMap: values
// that are themselves valid JSON (numbers, bools, nested objects) are
// embedded as-is; anything else is treated as a plain string.
func decodeFields(fields map[string]string, out interface{}) error {
	obj := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if json.Valid([]byte(v)) {
			obj[k] = json.RawMessage(v)
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		obj[k] = json.RawMessage(b)
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
