package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"perpkeeper/cache"
	"perpkeeper/config"
	"perpkeeper/consumer"
	"perpkeeper/crank"
	"perpkeeper/gateway"
	"perpkeeper/internal/channel"
	"perpkeeper/internal/metrics"
	"perpkeeper/liquidator"
	"perpkeeper/listener"
	"perpkeeper/logger"
	"perpkeeper/models"
	"perpkeeper/program"
	"perpkeeper/solana"
	"perpkeeper/store"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	shardPath := flag.String("shards", config.DefaultShardsPath, "Path to shard layout file")

	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	// The worker role comes from the command line, with the config file as
	// the fallback for single-role deployments.
	role := cfg.Keeper.Role
	if flag.NArg() > 0 {
		role = flag.Arg(0)
	}
	if err := cfg.ValidateForRole(role); err != nil {
		log.WithError(err).Error("Configuration does not satisfy the requested role")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Keeper.Name,
		"version": cfg.Keeper.Version,
		"role":    role,
	}).Info("starting perpkeeper")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace, cfg.Logging.CloudWatch.Dashboard)
	}
	if cfg.Logging.MetricsAddr != "" {
		metrics.Init(cfg.Logging.MetricsAddr)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		interval := cfg.Logging.ReportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}

	// Key fields were validated at load time.
	programID := solana.MustPublicKey(cfg.Keeper.Program)
	stateKey := solana.MustPublicKey(cfg.Keeper.State)
	stateSigner := solana.MustPublicKey(cfg.Keeper.StateSigner)

	chain := gateway.NewClient(gateway.Config{
		RPCURL:                   cfg.Gateway.RPCURL,
		WSURL:                    cfg.Gateway.WSURL,
		Commitment:               cfg.Gateway.Commitment,
		RequestTimeout:           cfg.Gateway.RequestTimeout,
		RequestsPerSecond:        cfg.Gateway.RPS,
		RequestBurst:             cfg.Gateway.Burst,
		MaxInFlight:              cfg.Gateway.MaxInFlight,
		RetryMax:                 cfg.Gateway.RetryMax,
		SkipPreflight:            cfg.Gateway.SkipPreflight,
		PriorityFeeMicroLamports: cfg.Gateway.PriorityFeeMicroLamports,
		ConfirmTimeout:           cfg.Gateway.ConfirmTimeout,
		ConfirmPollInterval:      cfg.Gateway.ConfirmPollInterval,
	})

	state, err := fetchState(ctx, chain, stateKey)
	if err != nil {
		log.WithError(err).Error("Failed to fetch the state account")
		os.Exit(1)
	}
	cacheKey := state.Cache

	log.WithFields(logger.Fields{
		"state":       stateKey.String(),
		"cache":       cacheKey.String(),
		"markets":     len(state.Markets),
		"collaterals": len(state.Collaterals),
	}).Info("state account loaded")

	if clusterTime, err := chain.GetClusterTime(ctx); err != nil {
		log.WithError(err).Warn("cluster time unavailable, staleness bounds use the local clock as-is")
	} else {
		log.WithFields(logger.Fields{
			"cluster_time": clusterTime.Format(time.RFC3339),
			"clock_skew":   time.Since(clusterTime).Round(time.Millisecond).String(),
		}).Info("cluster clock checked")
	}

	accounts := cache.New(chain, cache.Config{
		RefreshInterval: cfg.Accounts.RefreshInterval,
		FetchChunk:      cfg.Accounts.FetchChunk,
	})
	accounts.Track(stateKey, func(data []byte) error {
		_, err := models.DecodeState(data)
		return err
	})
	accounts.Track(cacheKey, func(data []byte) error {
		_, err := models.DecodeCache(data)
		return err
	})
	if role == config.RoleConsumer || role == config.RoleListener {
		for _, market := range state.Markets {
			accounts.Track(market.EventQueue, func(data []byte) error {
				_, err := models.DecodeEventQueue(data)
				return err
			})
		}
	}

	var payer solana.PrivateKey
	if role != config.RoleListener {
		payer, err = loadPayer(cfg.Keeper.PayerKey)
		if err != nil {
			log.WithError(err).Error("Failed to load the payer key")
			os.Exit(1)
		}
		log.WithFields(logger.Fields{"payer": payer.PublicKey().String()}).Info("payer key loaded")
	}

	shard := config.Shard{Modulus: 1}
	if role == config.RoleConsumer || role == config.RoleLiquidator {
		layout, err := config.LoadShards(config.ResolveShardsPath(*shardPath))
		if err != nil {
			if config.IsProductionLike() {
				log.WithError(err).Error("Failed to load shard layout")
				os.Exit(1)
			}
			log.WithError(err).Warn("shard layout unavailable, running unsharded")
		} else {
			shard = layout.ForRole(role)
		}
		log.WithFields(logger.Fields{
			"modulus":   shard.Modulus,
			"remainder": shard.Remainder,
		}).Info("shard assignment resolved")
	}

	if err := accounts.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start the account cache")
		os.Exit(1)
	}

	var (
		sched       *crank.Scheduler
		cons        *consumer.Consumer
		liq         *liquidator.Liquidator
		listen      *listener.Listener
		fwd         *listener.Forwarder
		arch        *store.Archiver
		kafkaFeed   *store.KafkaFeed
		webhookFeed *store.WebhookFeed
		channels    *channel.Channels
	)

	switch role {
	case config.RoleCrank:
		oracles := make(map[string]solana.PublicKey, len(cfg.Crank.Oracles))
		for symbol, key := range cfg.Crank.Oracles {
			oracles[symbol] = solana.MustPublicKey(key)
		}
		builder := program.NewBuilder(programID, stateKey, stateSigner, cacheKey, payer.PublicKey())
		sched = crank.NewScheduler(crank.Config{
			OracleInterval:   time.Duration(cfg.Crank.OracleIntervalMs) * time.Millisecond,
			InterestInterval: time.Duration(cfg.Crank.InterestIntervalMs) * time.Millisecond,
			FundingInterval:  time.Duration(cfg.Crank.FundingIntervalMs) * time.Millisecond,
			OracleChunk:      cfg.Crank.OracleChunk,
			InterestChunk:    cfg.Crank.InterestChunk,
			MaxBatch:         cfg.Crank.BatchLimit,
			Oracles:          oracles,
			Markets:          cfg.Keeper.Markets,
		}, chain, builder, accounts, payer, stateKey, cacheKey)
		if err := sched.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start the crank scheduler")
			os.Exit(1)
		}

	case config.RoleConsumer:
		builder := program.NewBuilder(programID, stateKey, stateSigner, cacheKey, payer.PublicKey())
		cons = consumer.NewConsumer(consumer.Config{
			ScanInterval:   time.Duration(cfg.Consumer.ScanIntervalMs) * time.Millisecond,
			ToConsume:      cfg.Consumer.ToConsume,
			MaxQueueLength: cfg.Consumer.MaxQueueLength,
			MaxWait:        cfg.Consumer.MaxWait,
			MaxControls:    cfg.Consumer.MaxControls,
			Markets:        cfg.Keeper.Markets,
			ShardModulus:   shard.Modulus,
			ShardRemainder: shard.Remainder,
		}, chain, builder, accounts, payer, stateKey)
		if err := cons.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start the event consumer")
			os.Exit(1)
		}

	case config.RoleLiquidator:
		builder := program.NewBuilder(programID, stateKey, stateSigner, cacheKey, payer.PublicKey())
		liq = liquidator.NewLiquidator(liquidator.Config{
			ScanInterval:    time.Duration(cfg.Liquidator.ScanIntervalMs) * time.Millisecond,
			RefreshInterval: time.Duration(cfg.Liquidator.RefreshIntervalS) * time.Second,
			StaleOracleAge:  time.Duration(cfg.Liquidator.OracleStalenessMs) * time.Millisecond,
			HealthThreshold: cfg.Liquidator.HealthThreshold,
			SizeCap:         cfg.Liquidator.SizeCap,
			ShardModulus:    shard.Modulus,
			ShardRemainder:  shard.Remainder,
			Program:         programID,
			LiqorMargin:     solana.MustPublicKey(cfg.Liquidator.Margin),
			LiqorControl:    solana.MustPublicKey(cfg.Liquidator.Control),
		}, chain, builder, accounts, payer, stateKey, cacheKey)
		if err := liq.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start the liquidator")
			os.Exit(1)
		}

	case config.RoleListener:
		buffer := cfg.Listener.BufferSize
		if buffer <= 0 {
			buffer = 4096
		}
		channels = channel.NewChannels(buffer, buffer)
		defer channels.Close()

		go channels.StartMetricsReporting(ctx)

		var eventSinks []listener.EventSink
		var logSinks []listener.LogSink
		if cfg.Store.DSN != "" {
			db, err := store.Open(cfg.Store.DSN)
			if err != nil {
				log.WithError(err).Error("Failed to open the event store")
				os.Exit(1)
			}
			eventSinks = append(eventSinks, db)
		}
		if cfg.Store.S3.Enabled {
			arch, err = store.NewArchiver(store.ArchiverConfig{
				Bucket:          cfg.Store.S3.Bucket,
				Region:          cfg.Store.S3.Region,
				Endpoint:        cfg.Store.S3.Endpoint,
				PathStyle:       cfg.Store.S3.PathStyle,
				AccessKeyID:     cfg.Store.S3.AccessKeyID,
				SecretAccessKey: cfg.Store.S3.SecretAccessKey,
				Prefix:          cfg.Store.S3.Prefix,
				FlushInterval:   cfg.Store.S3.FlushInterval,
				Compression:     cfg.Store.S3.Compression,
			})
			if err != nil {
				log.WithError(err).Error("Failed to create the S3 archiver")
				os.Exit(1)
			}
			if err := arch.Start(ctx); err != nil {
				log.WithError(err).Error("Failed to start the S3 archiver")
				os.Exit(1)
			}
			eventSinks = append(eventSinks, arch)
		}
		if cfg.Store.Kafka.Enabled {
			kafkaFeed, err = store.NewKafkaFeed(cfg.Store.Kafka.Brokers, cfg.Store.Kafka.Topic)
			if err != nil {
				log.WithError(err).Error("Failed to create the Kafka feed")
				os.Exit(1)
			}
			eventSinks = append(eventSinks, kafkaFeed)
			logSinks = append(logSinks, kafkaFeed)
		}
		if cfg.Store.Webhook.Enabled {
			webhookFeed, err = store.NewWebhookFeed(cfg.Store.Webhook.URL, cfg.Store.Webhook.Timeout)
			if err != nil {
				log.WithError(err).Error("Failed to create the webhook feed")
				os.Exit(1)
			}
			eventSinks = append(eventSinks, webhookFeed)
			logSinks = append(logSinks, webhookFeed)
		}

		listen = listener.NewListener(listener.Config{
			Program:    programID,
			FetchChunk: cfg.Listener.FetchChunk,
		}, chain, accounts, channels, stateKey, cacheKey, logSinks...)
		if err := listen.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start the listener")
			os.Exit(1)
		}

		if len(eventSinks) > 0 {
			fwd = listener.NewForwarder(listener.ForwarderConfig{
				BufferSize:    cfg.Listener.BufferSize,
				FlushSize:     cfg.Listener.FlushSize,
				FlushInterval: cfg.Listener.FlushInterval,
			}, channels, eventSinks...)
			if err := fwd.Start(ctx); err != nil {
				log.WithError(err).Error("Failed to start the event forwarder")
				os.Exit(1)
			}
		} else {
			log.WithComponent("main").Info("no event sinks configured; skipping forwarder")
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		if listen != nil {
			log.Info("stopping listener")
			listen.Stop()
		}
		if fwd != nil {
			log.Info("stopping event forwarder")
			fwd.Stop()
		}
		if sched != nil {
			log.Info("stopping crank scheduler")
			sched.Stop()
		}
		if cons != nil {
			log.Info("stopping event consumer")
			cons.Stop()
		}
		if liq != nil {
			log.Info("stopping liquidator")
			liq.Stop()
		}
		if arch != nil {
			log.Info("stopping archiver")
			arch.Stop()
		}
		if kafkaFeed != nil {
			kafkaFeed.Close()
		}
		if webhookFeed != nil {
			webhookFeed.Close()
		}
		log.Info("stopping account cache")
		accounts.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("perpkeeper stopped")
}

// fetchState reads and decodes the program state account. Every role needs
// it at least once: the state names the cache account and the live markets.
func fetchState(ctx context.Context, chain *gateway.Client, stateKey solana.PublicKey) (*models.State, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	info, _, err := chain.GetAccountInfo(fetchCtx, stateKey)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("state account %s does not exist", stateKey.String())
	}
	return models.DecodeState(info.Data)
}

// loadPayer resolves the configured payer_key, which holds either the key
// material itself or a path to a keypair file.
func loadPayer(value string) (solana.PrivateKey, error) {
	if info, err := os.Stat(value); err == nil && !info.IsDir() {
		raw, err := os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("read keypair file: %w", err)
		}
		return solana.LoadPrivateKey(string(raw))
	}
	return solana.LoadPrivateKey(value)
}
