// Command engine runs the VeloZ trading data plane: it loads its
// configuration, opens the order WAL and replays it for crash recovery,
// constructs the execution adapter, risk engine, and strategy manager,
// and then drives all of it from one event loop, speaking the NDJSON
// bridge protocol over stdin/stdout. It is grounded on the corpus's
// cmd/bot main.go — config load, signal-driven graceful shutdown,
// structured startup/shutdown logging — retargeted from a single
// process owning its own WebSocket connections to a subprocess whose
// only external surface is the bridge pipe pair.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"veloz/internal/adapter"
	"veloz/internal/bridge"
	"veloz/internal/config"
	"veloz/internal/engine"
	"veloz/internal/orders"
	"veloz/internal/risk"
	"veloz/internal/sched"
	"veloz/internal/wal"
	"veloz/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/engine.yaml", "path to engine configuration")
	flag.Parse()

	cfg, err := config.LoadEngine(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: load config: %v\n", err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "engine: invalid config: %v\n", err)
		return 2
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	walJournal, err := wal.Open(wal.Config{
		Dir:                cfg.WAL.Dir,
		Prefix:             cfg.WAL.Prefix,
		SyncOnWrite:        cfg.WAL.SyncOnWrite,
		MaxFileSize:        cfg.WAL.MaxFileSize,
		MaxFiles:           cfg.WAL.MaxFiles,
		CheckpointInterval: cfg.WAL.CheckpointInterval,
	})
	if err != nil {
		logger.Error("failed to open wal", "error", err)
		return 1
	}
	defer walJournal.Close()

	orderStore := orders.New()
	stats, err := wal.Replay(cfg.WAL.Dir, cfg.WAL.Prefix, func(ckpt wal.Entry) {
		var snapshot []types.OrderState
		if err := json.Unmarshal(ckpt.Payload, &snapshot); err != nil {
			logger.Error("skipping unreadable wal checkpoint", "sequence", ckpt.Sequence, "error", err)
			return
		}
		orderStore.LoadSnapshot(snapshot)
	}, func(e wal.Entry) {
		if err := replayEntry(orderStore, e); err != nil {
			logger.Warn("skipping unreplayable wal entry", "sequence", e.Sequence, "error", err)
		}
	})
	if err != nil {
		logger.Error("wal replay failed", "error", err)
		return 1
	}
	logger.Info("wal replay complete", "corrupted_entries", stats.CorruptedEntries, "healthy", stats.Healthy)

	// Restore the sequence counter and checkpoint tally Replay computed
	// before any Append runs, so a reopened segment's next entry
	// continues the global sequence instead of restarting at 1.
	walJournal.Restore(stats)

	ad, err := buildAdapter(cfg.Adapter, logger)
	if err != nil {
		logger.Error("failed to build adapter", "error", err)
		return 1
	}
	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()
	if ex, ok := ad.(*adapter.Exchange); ok {
		go ex.ConnectFeed(feedCtx)
	}

	riskEngine := risk.New(risk.Limits{
		MaxOrderNotional: cfg.Risk.MaxOrderNotional,
		MaxPositionSize:  cfg.Risk.MaxPositionSize,
		MaxDailyLossPct:  cfg.Risk.MaxDailyLossPct,
		MaxWeeklyLossPct: cfg.Risk.MaxWeeklyLossPct,
		MaxOpenOrders:    cfg.Risk.MaxOpenOrders,
		TripErrorCount:   cfg.Risk.TripErrorCount,
		CooldownMs:       cfg.Risk.CooldownMs,
		MaxCooldownMs:    cfg.Risk.MaxCooldownMs,
	})

	burst := cfg.Sched.HighPriorityBurst
	if burst <= 0 {
		burst = 32
	}
	loop := sched.New(burst)
	go loop.Run()
	defer loop.Stop()

	writer := bridge.NewWriter(os.Stdout, 256)
	defer writer.Close()

	e := engine.New(loop, ad, orderStore, walJournal, riskEngine, decimal.Zero, cfg.Symbols, writer, logger)
	e.Start()
	defer e.Stop()

	reader := bridge.NewReader(os.Stdin)
	readerDone := make(chan error, 1)
	go func() {
		readerDone <- reader.Run(
			func(cmd bridge.Command) {
				loop.Post(func() { e.HandleCommand(cmd) }, sched.Critical)
			},
			func(line string, err error) {
				logger.Warn("malformed bridge command", "line", line, "error", err)
			},
		)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("engine received shutdown signal")
	case err := <-readerDone:
		if err != nil {
			logger.Error("bridge reader exited with error", "error", err)
			return 1
		}
		logger.Info("bridge stdin closed, shutting down")
	}
	return 0
}

func buildAdapter(cfg config.AdapterConfig, logger *slog.Logger) (adapter.Adapter, error) {
	switch cfg.Venue {
	case "simulator", "":
		return adapter.NewSimulator(50 * time.Millisecond), nil
	case "exchange_a", "exchange_b":
		return adapter.NewExchange(adapter.ExchangeOpts{
			Venue:          cfg.Venue,
			BaseURL:        cfg.BaseURL,
			WSURL:          cfg.WSURL,
			PrivateKey:     cfg.PrivateKey,
			ChainID:        cfg.ChainID,
			APIKey:         cfg.APIKey,
			APISecret:      cfg.APISecret,
			RequestTimeout: cfg.RequestTimeout,
			IdempotencyTTL: cfg.IdempotencyTTL,
			Logger:         logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown adapter venue: %s", cfg.Venue)
	}
}

// replayEntry feeds one wal.Entry back through orders.Store's own API,
// reconstructing the order lifecycle via the same NoteOrderParams/
// ApplyExecutionReport transition rules live traffic uses, rather than a
// second parallel state-reconstruction path. Payloads are the exact
// NDJSON bridge events engine.encodeOrderNew/encodeExecReport wrote.
func replayEntry(store *orders.Store, e wal.Entry) error {
	switch e.Type {
	case wal.OrderNew:
		var raw struct {
			ClientOrderID string `json:"client_order_id"`
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			OrderQty      json.Number `json:"order_qty"`
			OrderType     string `json:"order_type"`
			TIF           string `json:"tif"`
			LimitPrice    string `json:"limit_price"`
		}
		if err := json.Unmarshal(e.Payload, &raw); err != nil {
			return err
		}
		qty, err := decimal.NewFromString(raw.OrderQty.String())
		if err != nil {
			return err
		}
		req := types.OrderRequest{
			ClientOrderID: raw.ClientOrderID,
			Symbol:        raw.Symbol,
			Side:          types.Side(raw.Side),
			OrderQty:      qty,
			Type:          types.OrderType(raw.OrderType),
			TIF:           types.TimeInForce(raw.TIF),
		}
		if raw.LimitPrice != "MARKET" {
			price, err := decimal.NewFromString(raw.LimitPrice)
			if err != nil {
				return err
			}
			req.LimitPrice = &price
		}
		_, err = store.NoteOrderParams(req, e.TsNs)
		return err

	case wal.OrderUpdate:
		var raw struct {
			ClientOrderID string `json:"client_order_id"`
			VenueOrderID  string `json:"venue_order_id"`
			Status        string `json:"status"`
			ExecQty       json.Number `json:"exec_qty"`
			ExecPrice     json.Number `json:"exec_price"`
			CumQty        json.Number `json:"cum_qty"`
			AvgPrice      json.Number `json:"avg_price"`
		}
		if err := json.Unmarshal(e.Payload, &raw); err != nil {
			return err
		}
		execQty, _ := decimal.NewFromString(raw.ExecQty.String())
		execPrice, _ := decimal.NewFromString(raw.ExecPrice.String())
		cumQty, _ := decimal.NewFromString(raw.CumQty.String())
		avgPrice, _ := decimal.NewFromString(raw.AvgPrice.String())
		report := types.ExecutionReport{
			ClientOrderID: raw.ClientOrderID,
			VenueOrderID:  raw.VenueOrderID,
			Status:        types.ExecReportStatus(raw.Status),
			ExecQty:       execQty,
			ExecPrice:     execPrice,
			CumQty:        cumQty,
			AvgPrice:      avgPrice,
			TsNs:          e.TsNs,
		}
		_, err := store.ApplyExecutionReport(report)
		return err

	default:
		return nil
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
