package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nexus-trading/dexsentry/internal/adapters/jupiter"
	"github.com/nexus-trading/dexsentry/internal/audit"
	"github.com/nexus-trading/dexsentry/internal/bus"
	"github.com/nexus-trading/dexsentry/internal/clickhouse"
	"github.com/nexus-trading/dexsentry/internal/config"
	"github.com/nexus-trading/dexsentry/internal/datasource"
	"github.com/nexus-trading/dexsentry/internal/engine"
	"github.com/nexus-trading/dexsentry/internal/execution"
	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/observability"
	"github.com/nexus-trading/dexsentry/internal/position"
	"github.com/nexus-trading/dexsentry/internal/pricing"
	"github.com/nexus-trading/dexsentry/internal/quality"
	"github.com/nexus-trading/dexsentry/internal/risk"
	"github.com/nexus-trading/dexsentry/internal/scanner"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/nexus-trading/dexsentry/internal/storage"
	"github.com/nexus-trading/dexsentry/internal/wallet"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// simulatedSlippageBps is applied to synthetic fills in simulation mode.
const simulatedSlippageBps = 25

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	modeFlag := flag.String("mode", "", "Override general.mode (simulation|paper|live)")
	stubMode := flag.Bool("stub", false, "Use stub RPC (no real Solana connection)")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if *modeFlag != "" {
		cfg.General.Mode = strings.ToLower(*modeFlag)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().Msg("=============================================")
	log.Info().Msg("dexsentry - Solana DEX opportunity detector")
	log.Info().Msg("SCAN -> DETECT -> ADMIT -> EXECUTE -> SUPERVISE")
	log.Info().Msg("=============================================")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}
	if *stubMode && cfg.IsLive() {
		log.Fatal().Msg("Stub RPC cannot be combined with live mode")
	}
	mode := market.TradingMode(cfg.General.Mode)

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Str("mode", string(mode)).
		Bool("stub_rpc", *stubMode).
		Strs("pool_sources", cfg.Sources.Priority).
		Float64("max_position_usd", cfg.Risk.MaxPositionUSD).
		Float64("max_daily_loss_usd", cfg.Risk.MaxDailyLossUSD).
		Int("max_positions", cfg.Risk.MaxPositions).
		Msg("Configuration loaded")

	// 4. Solana RPC.
	var rpc solana.RPCClient
	var liveRPC *solana.LiveRPCClient
	if *stubMode {
		rpc = solana.NewStubRPCClient()
		log.Info().Msg("Solana RPC: STUB mode")
	} else {
		liveRPC = solana.NewLiveRPCClient(solana.RPCConfig{
			Endpoint:     cfg.Solana.RPCURL,
			WSEndpoint:   cfg.Solana.WSURL,
			Timeout:      10 * time.Second,
			MaxRetries:   3,
			RateLimitRPS: cfg.Solana.RateLimitRPS,
		})
		rpc = liveRPC

		healthCtx, healthCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rpc.Health(healthCtx); err != nil {
			log.Warn().Err(err).Str("endpoint", cfg.Solana.RPCURL).
				Msg("Solana RPC health check failed (continuing, may be rate-limited)")
		} else {
			log.Info().Str("endpoint", cfg.Solana.RPCURL).Msg("Solana RPC: LIVE - connected")
		}
		healthCancel()
	}

	// 5. Market data: source health, price consensus, HTTP sources.
	sourceHealth := quality.NewMonitor(quality.DefaultConfig())
	aggregator := pricing.NewAggregator(pricing.Config{
		StalenessWindow: cfg.Pricing.StalenessWindow(),
		MinSources:      cfg.Pricing.MinSources,
		PruneInterval:   cfg.Pricing.PruneInterval(),
	})

	var (
		dexScreener *datasource.DexScreener
		raydium     *datasource.Raydium
		poolSources []datasource.PoolSource
		priceSrcs   []datasource.PriceSource
		httpClients = map[string]*datasource.HTTPClient{}
	)
	if sc := cfg.Sources.DexScreener; !sc.Disabled {
		httpClients["dexscreener"] = newHTTPClient("dexscreener", sc)
		dexScreener = datasource.NewDexScreener(httpClients["dexscreener"], sc.Confidence)
	}
	if sc := cfg.Sources.Raydium; !sc.Disabled {
		httpClients["raydium"] = newHTTPClient("raydium", sc)
		raydium = datasource.NewRaydium(httpClients["raydium"], sc.Confidence)
	}
	for _, name := range cfg.Sources.Priority {
		switch {
		case name == "dexscreener" && dexScreener != nil:
			poolSources = append(poolSources, dexScreener)
		case name == "raydium" && raydium != nil:
			poolSources = append(poolSources, raydium)
		default:
			log.Warn().Str("source", name).Msg("Pool source unknown or disabled, skipped")
		}
	}
	if sc := cfg.Sources.Jupiter; !sc.Disabled {
		httpClients["jupiter"] = newHTTPClient("jupiter", sc)
		priceSrcs = append(priceSrcs, datasource.NewJupiterPrice(httpClients["jupiter"], sc.Confidence))
	}
	if dexScreener != nil {
		priceSrcs = append(priceSrcs, dexScreener)
	}
	if raydium != nil {
		priceSrcs = append(priceSrcs, raydium)
	}
	if len(poolSources) == 0 {
		log.Fatal().Msg("No pool source enabled")
	}
	if len(priceSrcs) < cfg.Pricing.MinSources {
		log.Warn().
			Int("price_sources", len(priceSrcs)).
			Int("min_sources", cfg.Pricing.MinSources).
			Msg("Fewer price sources than the consensus minimum; no price will validate")
	}

	feedConfig := datasource.DefaultFeedConfig()
	feedConfig.PollInterval = cfg.Sources.PricePoll()
	feedConfig.MaxWatched = cfg.Sources.MaxWatchedTokens
	feed := datasource.NewFeed(feedConfig, aggregator, sourceHealth, priceSrcs...)
	for _, mint := range cfg.Sources.WatchTokens {
		feed.Pin(solana.Pubkey(mint))
	}
	feed.Pin(solana.SOLMint, solana.USDCMint)

	// 6. Scanner and detector.
	tokenList := datasource.NewJupiterTokenList(datasource.NewHTTPClient("jupiter-tokens", datasource.HTTPConfig{
		BaseURL:      cfg.Sources.TokenListURL,
		RateLimitRPS: 1,
		Timeout:      10 * time.Second,
		MaxRetries:   1,
	}))
	var symbolLookup datasource.SymbolLookup
	if dexScreener != nil {
		symbolLookup = dexScreener
	}
	symbolConfig := scanner.DefaultSymbolResolverConfig()
	symbolConfig.Timeout = cfg.Scanner.SymbolTimeout()
	symbols := scanner.NewSymbolResolver(symbolConfig, tokenList, symbolLookup)

	detector := scanner.NewDetector(scanner.DetectorConfig{
		MinLiquidityUSD:   cfg.Scanner.MinLiquidityUSD,
		MaxPriceImpactPct: cfg.Scanner.MaxPriceImpactPct,
		MinRiskScore:      cfg.Scanner.MinRiskScore,
		MinProfitUSD:      cfg.Scanner.MinProfitUSD,
		DuplicateWindow:   cfg.Scanner.DuplicateWindow(),
	}, aggregator, scanner.DefaultProfitModel)

	poolScanner := scanner.NewScanner(scanner.Config{
		Interval:     cfg.Scanner.Interval(),
		RecentWindow: cfg.Scanner.RecentWindow(),
		Table: scanner.PoolTableConfig{
			MaxTrackedPools: cfg.Scanner.MaxTrackedPools,
			MaxAge:          cfg.Scanner.MaxPoolAge(),
		},
		Risk: scanner.RiskScorerConfig{
			LiquidityFloorUSD: cfg.Scanner.RugLiquidityFloorUSD,
			MaxPriceImpactPct: cfg.Scanner.MaxPriceImpactPct,
		},
	}, detector, symbols, sourceHealth, poolSources...)

	var programs *solana.ProgramMonitor
	if !*stubMode && cfg.Solana.HeliusAPIKey != "" {
		pmConfig := solana.DefaultProgramMonitorConfig()
		pmConfig.WSEndpoint = cfg.Solana.WSURL
		pmConfig.APIKey = cfg.Solana.HeliusAPIKey
		pmConfig.Commitment = cfg.Solana.Commitment
		if len(cfg.Solana.WatchPrograms) > 0 {
			pmConfig.ProgramIDs = pmConfig.ProgramIDs[:0]
			for _, id := range cfg.Solana.WatchPrograms {
				pmConfig.ProgramIDs = append(pmConfig.ProgramIDs, solana.Pubkey(id))
			}
		}
		programs = solana.NewProgramMonitor(pmConfig)
		log.Info().Int("programs", len(pmConfig.ProgramIDs)).Msg("Program subscription enabled")
	}

	// 7. Risk gate.
	gate := risk.NewGate(risk.Config{
		Mode:                  mode,
		MinConfidence:         cfg.Risk.MinConfidence,
		LiveMinConfidence:     cfg.Risk.LiveMinConfidence,
		MaxPriceImpactPct:     cfg.Risk.MaxPriceImpactPct,
		LiveMaxPriceImpactPct: cfg.Risk.LiveMaxPriceImpactPct,
		MinLiquidityUSD:       cfg.Risk.MinLiquidityUSD,
		MaxTradesPerHour:      cfg.Risk.MaxTradesPerHour,
		MaxDailyLossUSD:       cfg.Risk.MaxDailyLossUSD,
		MaxPositions:          cfg.Risk.MaxPositions,
		MaxPositionUSD:        cfg.Risk.MaxPositionUSD,
		StopLossPct:           cfg.Risk.StopLossPct,
		HardRejectScore:       cfg.Risk.HardRejectScore,
	}, nil)
	for _, mint := range cfg.Risk.Blacklist {
		gate.State().Blacklist(solana.Pubkey(mint), "config")
	}

	// 8. Wallet.
	var wallets *wallet.LocalManager
	var execWallet execution.Wallet
	if cfg.Solana.WalletPrivateKey != "" {
		wallets = wallet.NewLocalManager(wallet.DefaultConfig(), rpc)
		pub, err := wallets.AddKey(cfg.Solana.WalletName, cfg.Solana.WalletPrivateKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Wallet key rejected")
		}
		execWallet = wallets
		log.Info().Str("wallet", cfg.Solana.WalletName).Str("pubkey", pub.Short()).Msg("Wallet loaded")
	}

	// 9. Swap service and confirmation monitor.
	swapClient := jupiter.NewClient(jupiter.Config{
		BaseURL:          cfg.Sources.SwapURL,
		RateLimitRPS:     cfg.Sources.Jupiter.RateLimitRPS,
		Timeout:          cfg.Execution.QuoteTimeout(),
		MaxRetries:       1,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}, rpc)

	var swap execution.SwapService
	var status execution.StatusSource
	switch mode {
	case market.ModeLive:
		swap, status = swapClient, rpc
	default:
		sim := execution.NewSimulatedSwapService(aggregator, simulatedSlippageBps)
		if mode == market.ModePaper {
			sim.Quoter = swapClient
		}
		swap, status = sim, sim
	}

	monitor := execution.NewMonitor(status, execution.MonitorConfig{
		PollInterval: cfg.Execution.PollInterval(),
		MaxWait:      cfg.Execution.ConfirmTimeout(),
		Retry: execution.RetryPolicy{
			MaxAttempts: cfg.Execution.RetryMaxAttempts,
			BaseDelay:   cfg.Execution.RetryBaseDelay(),
			Multiplier:  2,
			MaxDelay:    5 * time.Second,
		},
	}, execution.RealClock())

	// 10. Trade history.
	var history execution.History
	store, err := storage.OpenSQLite(cfg.Storage.SQLitePath)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.Storage.SQLitePath).Msg("SQLite unavailable, trade history kept in memory")
		history = execution.NewMemoryHistory()
	} else {
		history = store
		log.Info().Str("path", cfg.Storage.SQLitePath).Msg("Trade history: SQLite")
	}

	coordinator, err := execution.NewCoordinator(execution.CoordinatorConfig{
		Mode:               mode,
		WalletName:         cfg.Solana.WalletName,
		MaxSlippageBps:     cfg.Execution.MaxSlippageBps,
		MinPriceConfidence: cfg.Execution.MinPriceConfidence,
		MaxDeviationPct:    cfg.Pricing.MaxDeviationPct,
		QuoteTimeout:       cfg.Execution.QuoteTimeout(),
		FeeReserveSOL:      wallet.DefaultConfig().ReserveSOL,
	}, swap, aggregator, execWallet, monitor, history)
	if err != nil {
		log.Fatal().Err(err).Msg("Execution coordinator rejected")
	}

	// 11. Position supervisor.
	var stopper position.WalletStopper
	if wallets != nil {
		stopper = wallets
	}
	supervisor := position.NewSupervisor(position.Config{
		TickInterval:  cfg.Position.Tick(),
		StopLossPct:   cfg.Risk.StopLossPct,
		TakeProfitPct: cfg.Risk.TakeProfitPct,
	}, aggregator, gate.State(), gate, stopper)

	// 12. Event bus, audit trail, metrics, analytics.
	var producer bus.Producer
	if cfg.Kafka.Enabled {
		kp, err := bus.NewKafkaProducer(cfg.Kafka.Brokers, bus.WithClientID(cfg.Kafka.ClientID))
		if err != nil {
			log.Fatal().Err(err).Strs("brokers", cfg.Kafka.Brokers).Msg("Kafka producer failed")
		}
		producer = kp
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Event bus: Kafka")
	} else {
		producer = bus.NewStubProducer()
		log.Info().Msg("Event bus: in-memory stub")
	}
	trail := audit.NewTrail(producer, cfg.General.InstanceID, 10_000)
	metrics := observability.NewMetrics("dexsentry")

	var chClient *clickhouse.Client
	var chWriter *clickhouse.Writer
	if cfg.ClickHouse.Enabled {
		chClient, err = clickhouse.NewClient(cfg.ClickHouse.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("ClickHouse connection failed")
		}
		schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := chClient.EnsureSchema(schemaCtx); err != nil {
			log.Error().Err(err).Msg("ClickHouse schema setup failed (analytics writes may fail)")
		}
		schemaCancel()
		chWriter = clickhouse.NewWriter(chClient, cfg.ClickHouse.Database, cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval())
		log.Info().Str("database", cfg.ClickHouse.Database).Msg("Analytics: ClickHouse")
	}

	components := engine.Components{
		Aggregator:  aggregator,
		Feed:        feed,
		Health:      sourceHealth,
		Scanner:     poolScanner,
		Programs:    programs,
		Gate:        gate,
		Coordinator: coordinator,
		Monitor:     monitor,
		Supervisor:  supervisor,
		Wallet:      wallets,
		Trail:       trail,
		Metrics:     metrics,
		Analytics:   chWriter,
		Store:       store,
	}
	session, err := engine.NewSession(engine.Config{Mode: mode}, components)
	if err != nil {
		log.Fatal().Err(err).Msg("Session setup failed")
	}

	// 13. Component health.
	health := observability.NewHealthMonitor(15 * time.Second)
	health.Register("rpc", observability.ErrorCheck(rpc.Health))
	health.Register("sources", func(context.Context) observability.ComponentHealth {
		degraded := sourceHealth.Degraded()
		switch {
		case len(degraded) == 0:
			return observability.ComponentHealth{Status: observability.StatusHealthy}
		case len(degraded) >= len(poolSources)+len(priceSrcs):
			return observability.ComponentHealth{Status: observability.StatusUnhealthy, Message: "all sources unavailable"}
		default:
			return observability.ComponentHealth{
				Status:  observability.StatusDegraded,
				Message: strings.Join(degraded, ",") + " unavailable",
			}
		}
	})
	health.Register("risk", func(context.Context) observability.ComponentHealth {
		if gate.Halted() {
			return observability.ComponentHealth{Status: observability.StatusDegraded, Message: "halted: " + gate.HaltReason()}
		}
		return observability.ComponentHealth{Status: observability.StatusHealthy}
	})
	if chClient != nil {
		health.Register("clickhouse", observability.ErrorCheck(chClient.Ping))
	}

	// 14. Setup context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// 15. Start services.
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := session.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Session error")
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		health.Start(ctx)
	}()

	// Start HTTP health/stats/control endpoint.
	if cfg.Metrics.Enabled || cfg.Metrics.Port > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := http.NewServeMux()

			// ── Health ──
			mux.Handle("/health", health.Handler())
			mux.Handle("/metrics", metrics.Handler())

			// ── Stats ──
			mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
				combined := map[string]any{
					"session": session.Stats(),
					"jupiter": swapClient.Stats(),
				}
				sourceStats := map[string]datasource.HTTPStats{}
				for name, c := range httpClients {
					sourceStats[name] = c.Stats()
				}
				combined["http"] = sourceStats
				if liveRPC != nil {
					combined["rpc"] = liveRPC.Stats()
				}
				writeJSON(w, combined)
			})

			// ── Positions and opportunities ──
			mux.HandleFunc("/positions", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, session.Positions())
			})
			mux.HandleFunc("/positions/open", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, supervisor.OpenPositions())
			})
			mux.HandleFunc("/opportunities", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, session.Opportunities(queryLimit(r, 50)))
			})
			mux.HandleFunc("/trades", func(w http.ResponseWriter, r *http.Request) {
				trades, err := history.Recent(r.Context(), queryLimit(r, 50))
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, trades)
			})
			mux.HandleFunc("/audit", func(w http.ResponseWriter, r *http.Request) {
				if id := r.URL.Query().Get("opportunity_id"); id != "" {
					writeJSON(w, trail.Query(id))
					return
				}
				writeJSON(w, trail.Entries())
			})

			// ── Control Plane ──
			mux.HandleFunc("/control/emergency-stop", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					http.Error(w, "POST only", http.StatusMethodNotAllowed)
					return
				}
				reason := r.URL.Query().Get("reason")
				marked := session.EmergencyStop(reason)
				log.Error().Str("reason", reason).Int("positions", marked).Msg("[CONTROL] EMERGENCY STOP")
				writeJSON(w, map[string]any{"status": "halted", "positions_marked": marked})
			})

			mux.HandleFunc("/control/resume", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					http.Error(w, "POST only", http.StatusMethodNotAllowed)
					return
				}
				session.Resume()
				log.Info().Msg("[CONTROL] System RESUMED")
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprintf(w, `{"status":"running"}`)
			})

			mux.HandleFunc("/positions/close", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					http.Error(w, "POST only", http.StatusMethodNotAllowed)
					return
				}
				q := r.URL.Query()
				pos, err := session.ClosePosition(q.Get("id"), q.Get("reason"))
				if err != nil {
					http.Error(w, err.Error(), http.StatusNotFound)
					return
				}
				log.Warn().Str("position_id", pos.ID).Str("reason", pos.CloseReason).Msg("[CONTROL] Position closed")
				writeJSON(w, pos)
			})

			mux.HandleFunc("/control/blacklist", func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				mint := q.Get("mint")
				if r.Method == http.MethodGet {
					listed, err := session.IsBlacklisted(mint)
					if err != nil {
						http.Error(w, err.Error(), http.StatusBadRequest)
						return
					}
					writeJSON(w, map[string]any{"mint": mint, "blacklisted": listed})
					return
				}
				if r.Method != http.MethodPost {
					http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
					return
				}
				if err := session.Blacklist(mint, q.Get("reason")); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				log.Warn().Str("mint", mint).Msg("[CONTROL] Token blacklisted")
				writeJSON(w, map[string]any{"mint": mint, "blacklisted": true})
			})

			mux.HandleFunc("/control/whitelist", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					http.Error(w, "POST only", http.StatusMethodNotAllowed)
					return
				}
				mint := r.URL.Query().Get("mint")
				if err := session.Whitelist(mint); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				log.Info().Str("mint", mint).Msg("[CONTROL] Token whitelisted")
				writeJSON(w, map[string]any{"mint": mint, "blacklisted": false})
			})

			mux.HandleFunc("/control/wallet-lock", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					http.Error(w, "POST only", http.StatusMethodNotAllowed)
					return
				}
				q := r.URL.Query()
				if err := session.LockWallet(q.Get("name"), q.Get("reason")); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				writeJSON(w, map[string]any{"wallet": q.Get("name"), "locked": true})
			})

			mux.HandleFunc("/control/wallet-unlock", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					http.Error(w, "POST only", http.StatusMethodNotAllowed)
					return
				}
				name := r.URL.Query().Get("name")
				if err := session.UnlockWallet(name); err != nil {
					http.Error(w, err.Error(), http.StatusConflict)
					return
				}
				writeJSON(w, map[string]any{"wallet": name, "locked": false})
			})

			mux.HandleFunc("/pending", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, session.Pending())
			})

			mux.HandleFunc("/control/resolve-pending", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					http.Error(w, "POST only", http.StatusMethodNotAllowed)
					return
				}
				writeJSON(w, session.ResolvePending(r.Context()))
			})

			mux.HandleFunc("/control/status", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, map[string]any{
					"mode":           string(mode),
					"halted":         gate.Halted(),
					"halt_reason":    gate.HaltReason(),
					"open_positions": len(supervisor.OpenPositions()),
					"instance_id":    cfg.General.InstanceID,
					"risk":           gate.State().Stats(),
				})
			})

			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			server := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			log.Info().Str("addr", addr).Msg("HTTP server started (health + metrics + stats + control)")

			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				server.Shutdown(shutdownCtx)
			}()

			if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
				log.Error().Err(srvErr).Msg("HTTP server error")
			}
		}()
	}

	// Periodic stats logging.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := session.Stats()
				rs := gate.State().Stats()
				log.Info().
					Int64("scans", st.Scanner.Scans).
					Int("pools_tracked", st.Scanner.Table.TrackedPools).
					Int64("opportunities", st.Detected).
					Int64("admitted", st.Admitted).
					Int64("rejected", st.Rejected).
					Int64("succeeded", st.Succeeded).
					Int("open_pos", st.Supervisor.Open).
					Float64("pnl_today", rs.PnLToday).
					Bool("halted", gate.Halted()).
					Msg("[STATS]")
			}
		}
	}()

	log.Info().Str("mode", string(mode)).Msg("dexsentry - Running")

	// 16. Block until shutdown.
	<-ctx.Done()

	// 17. Graceful shutdown.
	log.Info().Msg("Shutting down dexsentry...")
	wg.Wait()

	if pending := session.Pending(); len(pending) > 0 {
		log.Warn().Int("submissions", len(pending)).Msg("Resolving unconfirmed submissions before exit")
		resolveCtx, resolveCancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, r := range session.ResolvePending(resolveCtx) {
			log.Warn().
				Str("signature", string(r.Signature)).
				Str("state", string(r.State)).
				Str("error", r.Error).
				Msg("Submission status at exit")
		}
		resolveCancel()
	}

	if chWriter != nil {
		if err := chWriter.Close(); err != nil {
			log.Error().Err(err).Msg("ClickHouse writer close failed")
		}
	}
	if chClient != nil {
		chClient.Close()
	}
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := producer.Flush(flushCtx); err != nil {
		log.Error().Err(err).Msg("Event bus flush failed")
	}
	flushCancel()
	producer.Close()

	session.PrintSummary(os.Stdout)

	if store != nil {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("SQLite close failed")
		}
	}

	final := session.Stats()
	log.Info().
		Int64("opportunities", final.Detected).
		Int64("admitted", final.Admitted).
		Int64("rejected", final.Rejected).
		Int64("executed", final.Executed).
		Int64("succeeded", final.Succeeded).
		Int64("positions_opened", final.Opened).
		Int64("positions_closed", final.Closed).
		Float64("realized_pnl", final.Supervisor.RealizedPnL).
		Msg("dexsentry - Final Statistics")

	log.Info().Msg("dexsentry - Shutdown complete")
}

func newHTTPClient(name string, sc config.SourceConfig) *datasource.HTTPClient {
	return datasource.NewHTTPClient(name, datasource.HTTPConfig{
		BaseURL:      sc.BaseURL,
		RateLimitRPS: sc.RateLimitRPS,
		Burst:        sc.Burst,
		Timeout:      sc.Timeout(),
		MaxRetries:   2,
		RetryWait:    250 * time.Millisecond,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Str("service", "dexsentry").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).
			With().Timestamp().Str("service", "dexsentry").
			Str("instance", general.InstanceID).Logger()
	}
}
