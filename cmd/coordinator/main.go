package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"exchange-coordinator/broadcast"
	"exchange-coordinator/config"
	"exchange-coordinator/ledger"
	"exchange-coordinator/metrics"
	"exchange-coordinator/rabbit"
	"exchange-coordinator/service"
	"exchange-coordinator/storage"
	"exchange-coordinator/transport"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	connectTimeout  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.App)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	redisClient, err := storage.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logrus.Fatalln("Redis unavailable: ", err.Error())
	}
	defer redisClient.Close()

	pool, err := connectLedger(ctx, cfg.DB)
	if err != nil {
		logrus.Fatalln("Ledger unavailable: ", err.Error())
	}
	defer pool.Close()
	store := ledger.New(pool)
	if cfg.DB.Migrate {
		if err = store.Migrate(ctx); err != nil {
			logrus.Fatalln("Ledger migration failed: ", err.Error())
		}
	}

	rabbitConn, err := rabbit.GetRabbitConnection(ctx, cfg.Rabbit.URL)
	if err != nil {
		logrus.Fatalln("Rabbit unavailable: ", err.Error())
	}
	defer rabbitConn.Close()

	publishChannel, consumeChannel, err := openChannels(rabbitConn, rabbit.Topology{
		SettlementExchange:   cfg.Rabbit.SettlementExchange,
		SettlementRoutingKey: cfg.Rabbit.SettlementRoutingKey,
		SettlementResults:    cfg.Rabbit.SettlementResultQueue,
	})
	if err != nil {
		logrus.Fatalln("Rabbit topology failed: ", err.Error())
	}

	marketSource, err := cfg.MarketInfo()
	if err != nil {
		logrus.Fatalln("Market configuration invalid: ", err.Error())
	}

	books := storage.NewLiquidityStorage(redisClient)
	candidates := storage.NewCandidateStorage(redisClient, cfg.Matching.PoolTTL)
	makers := storage.NewMakerLockStorage(redisClient)
	guards := storage.NewGuardStorage(redisClient)
	marketStore := storage.NewMarketStorage(redisClient)

	publisher := broadcast.NewPublisher(redisClient.Native())
	sender := rabbit.NewSender(ctx, publishChannel, cfg.Rabbit.SettlementExchange, cfg.Rabbit.SettlementRoutingKey)

	markets := service.NewMarketService(marketStore, service.NewStaticMarketSource(marketSource), publisher, cfg.Reconciler.MarketInfoExpire)
	liquidity := service.NewLiquidityService(books, makers, marketStore, markets, service.LiquidityConfig{
		MaxExpiry:         cfg.Liquidity.MaxExpiry,
		MaxPriceDeviation: cfg.PriceDeviation(),
	})
	orders := service.NewOrderService(store, store, markets, guards, marketStore, makers, sender, publisher, service.OrderConfig{
		RateLimit: cfg.Orders.RateLimit,
	})
	matcher := service.NewMatcherService(ctx, store, store, candidates, makers, markets, publisher, service.AfterFunc, service.MatcherConfig{
		CollectionWindow: cfg.Matching.CollectionWindow,
		MakerTimeout:     cfg.Matching.MakerTimeout,
	})
	quotes := service.NewQuoteService(liquidity, markets, cfg.Chains)
	reconciler := service.NewReconcilerService(store, guards, marketStore, books, makers, markets, publisher, service.ReconcilerConfig{
		Chains:             cfg.Chains,
		PendingInterval:    cfg.Reconciler.PendingInterval,
		StaleAfter:         cfg.Reconciler.StaleAfter,
		AggregatesInterval: cfg.Reconciler.AggregatesInterval,
		LiquidityInterval:  cfg.Reconciler.LiquidityInterval,
		PassiveInterval:    cfg.Reconciler.PassiveInterval,
		MarketInfoInterval: cfg.Reconciler.MarketInfoInterval,
		SweepLockTTL:       cfg.Reconciler.SweepLockTTL,
		PassiveGrace:       cfg.Matching.PassiveGrace,
	})

	connections := broadcast.NewRegistry()
	hub := broadcast.NewHub(redisClient.Native(), connections)
	router := transport.NewRouter(orders, matcher, liquidity, quotes, markets, cfg.Chains)

	var wg sync.WaitGroup
	run := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logrus.WithField("worker", name).Errorln("Worker stopped: ", err.Error())
				cancel()
			}
		}()
	}

	run("fanout", hub.Run)
	run("reconciler", func(ctx context.Context) error {
		reconciler.Run(ctx)
		return nil
	})
	settlements := rabbit.NewSettlementProcessor(orders)
	run("settlements", func(ctx context.Context) error {
		return settlements.Consume(ctx, consumeChannel, cfg.Rabbit.SettlementResultQueue)
	})

	mux := http.NewServeMux()
	mux.Handle("/", transport.NewServer(ctx, connections, router))
	mux.Handle(cfg.App.MetricsPath, metrics.Handler(registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:              cfg.App.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: connectTimeout,
	}
	go func() {
		logrus.WithField("addr", cfg.App.ListenAddr).Infoln("Coordinator listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorln("HTTP server failed: ", err.Error())
			cancel()
		}
	}()

	waitForShutdown(ctx, cancel, httpServer)
	wg.Wait()
	logrus.Infoln("Shutdown complete")
}

func setupLogging(app config.AppConfig) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(app.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.AddHook(&serviceHook{fields: logrus.Fields{"service": app.ServiceName, "env": app.Env}})
}

// serviceHook stamps every entry with the service identity.
type serviceHook struct {
	fields logrus.Fields
}

func (h *serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *serviceHook) Fire(entry *logrus.Entry) error {
	for key, value := range h.fields {
		if _, ok := entry.Data[key]; !ok {
			entry.Data[key] = value
		}
	}
	return nil
}

func connectLedger(ctx context.Context, db config.DBConfig) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return ledger.Connect(ctx, db.URL)
}

func openChannels(conn *amqp091.Connection, topology rabbit.Topology) (*amqp091.Channel, *amqp091.Channel, error) {
	publishChannel, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err = rabbit.DeclareTopology(publishChannel, topology); err != nil {
		return nil, nil, err
	}

	consumeChannel, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	return publishChannel, consumeChannel, nil
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, httpServer *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
	case <-ctx.Done():
	}

	logrus.Infoln("Shutdown started")
	cancel()

	shutdownCtx, cancelTimeout := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelTimeout()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.Errorln("HTTP shutdown error: ", err.Error())
	}
}
