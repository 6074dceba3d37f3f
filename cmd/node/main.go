package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/uhyunpark/custodex/params"
	"github.com/uhyunpark/custodex/pkg/api"
	"github.com/uhyunpark/custodex/pkg/app/dex"
	"github.com/uhyunpark/custodex/pkg/event"
	"github.com/uhyunpark/custodex/pkg/storage"
	"github.com/uhyunpark/custodex/pkg/stream"
	"github.com/uhyunpark/custodex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (console, plus file when LOG_FILE is set)
	level, err := util.ParseLevel(cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	logger := util.NewLogger(level)
	if cfg.Node.LogFile != "" {
		if logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, level); err != nil {
			log.Fatalf("logger: %v", err)
		}
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", level.String())

	// ---- Storage ----
	var (
		store     storage.BlockStore = storage.NewInMemoryBlockStore()
		txlog     storage.TxLog      = storage.NewNopWAL()
		recovered [][]byte
	)
	if dir := cfg.Node.DataDir; dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			sugar.Fatalw("data_dir_failed", "dir", dir, "err", err)
		}
		ps, err := storage.NewPebbleStore(filepath.Join(dir, "blocks"))
		if err != nil {
			sugar.Fatalw("pebble_open_failed", "err", err)
		}
		defer ps.Close()
		store = ps

		wal, pending, err := storage.OpenFileWAL(filepath.Join(dir, "transactions.log"))
		if err != nil {
			sugar.Fatalw("txlog_open_failed", "err", err)
		}
		defer wal.Close()
		txlog = wal
		recovered = pending
	}
	sugar.Infow("storage_ready", "data_dir", cfg.Node.DataDir, "persistent", cfg.Node.DataDir != "")

	// ---- App: custodial exchange ----
	app, err := dex.NewApp(dex.Config{
		Genesis:          dex.GenesisFromParams(cfg),
		BlockTime:        cfg.Node.BlockTime,
		MaxBlockBytes:    cfg.Node.MaxBlockBytes,
		ReceiptCacheSize: cfg.Node.ReceiptCacheSize,
		JournalRetain:    cfg.Node.JournalRetain,
	}, store, txlog, logger)
	if err != nil {
		sugar.Fatalw("genesis_failed", "err", err)
	}

	start := time.Now()
	height, err := app.Replay()
	if err != nil {
		sugar.Fatalw("replay_failed", "height", height, "err", err)
	}
	sugar.Infow("state_restored", "height", height, "elapsed_ms", time.Since(start).Milliseconds())

	// Txs already in a block fail the nonce check and are dropped here.
	requeued := 0
	for _, raw := range recovered {
		if _, err := app.SubmitTx(raw); err == nil {
			requeued++
		}
	}
	if len(recovered) > 0 {
		sugar.Infow("txlog_recovered", "records", len(recovered), "requeued", requeued)
	}

	ex := app.Exchange()
	sugar.Infow("exchange_ready",
		"address", ex.Address().Hex(),
		"fee_account", ex.FeeAccount().Hex(),
		"fee_percent", ex.FeePercent(),
		"chain_id", cfg.Exchange.ChainID)
	for _, t := range app.Registry().Tokens() {
		sugar.Infow("token_deployed", "symbol", t.Symbol(), "address", t.Address().Hex(), "supply", t.TotalSupply().Dec())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	apiServer := api.NewServer(app, cfg.API.AllowedOrigins, logger)

	// Hook app to API server: stream events and block commits
	app.OnEvent = apiServer.BroadcastEvent
	app.OnBlockCommit = apiServer.BroadcastBlock

	// ---- Event stream (optional) ----
	// Enable with: KAFKA_BROKERS=host:9092[,host:9092] KAFKA_TOPIC=...
	if len(cfg.Stream.Brokers) > 0 {
		pub := stream.NewPublisher(cfg.Stream.Brokers, cfg.Stream.Topic, logger)
		app.OnEvent = func(ev event.Event) {
			apiServer.BroadcastEvent(ev)
			pub.Publish(ev)
		}
		go func() {
			if err := pub.Run(ctx); err != nil {
				sugar.Warnw("stream_close_failed", "err", err)
			}
		}()
		sugar.Infow("stream_enabled", "brokers", cfg.Stream.Brokers, "topic", cfg.Stream.Topic)
	}

	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.API.Addr)
		if err := apiServer.Start(ctx, cfg.API.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_starting", "block_time_ms", cfg.Node.BlockTime.Milliseconds())

	// Block production loop
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Errorw("block_production_stopped", "height", app.Height(), "err", err)
		return
	}
	sugar.Infow("node_stopped", "height", app.Height())
}
