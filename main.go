package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/cometbft/cometbft/libs/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/citychain/ledger-node/app"
	"github.com/citychain/ledger-node/config"
	"github.com/citychain/ledger-node/dpos"
	"github.com/citychain/ledger-node/evaluation"
	"github.com/citychain/ledger-node/gossip"
	"github.com/citychain/ledger-node/metrics"
	"github.com/citychain/ledger-node/repository"
	"github.com/citychain/ledger-node/router"
	"github.com/citychain/ledger-node/server"
	"github.com/citychain/ledger-node/signer"
	service_registry "github.com/citychain/ledger-node/srvreg"
)

var (
	configFile string
	httpPort   string
	logLevel   string
)

func init() {
	flag.StringVar(&configFile, "config", "", "Path to the node config file (toml, yaml or json)")
	flag.StringVar(&httpPort, "http-port", "", "HTTP web server port, overrides node.http_port")
	flag.StringVar(&logLevel, "log-level", "", "Log level, overrides log_level")
}

func main() {
	// Load Config
	flag.Parse()

	conf, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Loading config: %v", err)
	}
	if httpPort != "" {
		conf.Node.HTTPPort = httpPort
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger, err = cmtflags.ParseLogLevel(conf.LogLevel, logger, "info")
	if err != nil {
		log.Fatalf("failed to parse log level: %v", err)
	}
	logger = logger.With("node", conf.NodeID())

	tier, err := conf.Tier()
	if err != nil {
		log.Fatalf("Invalid tier: %v", err)
	}

	// Operational and analytics stores
	logger.Info("Connecting to databases", "driver", conf.Database.Driver)
	db, err := repository.Connect(conf.Database.Driver, conf.Database.OperationalDSN, logger)
	if err != nil {
		log.Fatalf("Connecting operational store: %v", err)
	}
	analytics, err := repository.Connect(conf.Database.Driver, conf.Database.AnalyticsDSN, logger)
	if err != nil {
		log.Fatalf("Connecting analytics store: %v", err)
	}

	// Initialize Badger archive
	archive, err := repository.OpenArchive(conf.Path(conf.Archive.Dir), conf.Archive.InMemory, logger)
	if err != nil {
		log.Fatalf("Opening archive: %v", err)
	}

	repo := repository.New(db, analytics, archive, logger)
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("Closing repository", "err", err)
		}
	}()
	if err := repo.Migrate(); err != nil {
		log.Fatalf("Migrating schema: %v", err)
	}

	// Representative signing key
	sgn, err := signer.LoadOrGenerate(conf.Path(conf.Signer.KeyFile), conf.Path(conf.Signer.StateFile), logger)
	if err != nil {
		log.Fatalf("Loading signing key: %v", err)
	}

	trusted, err := conf.TrustedKeys()
	if err != nil {
		log.Fatalf("Loading trusted keys: %v", err)
	}
	registry := dpos.NewRegistry(sgn, conf.Node.Municipality, logger,
		dpos.WithStore(repo),
		dpos.WithRosterSize(conf.DPoS.RosterSize),
		dpos.WithTrustedKeys(trusted...),
	)
	if err := registry.Load(); err != nil {
		log.Fatalf("Loading representatives: %v", err)
	}
	for _, roster := range conf.DPoS.Bootstrap {
		if err := registry.Bootstrap(roster.Municipality, roster.Users); err != nil {
			log.Fatalf("Bootstrapping %s: %v", roster.Municipality, err)
		}
	}

	evaluations := evaluation.NewRegistry(repo, logger)
	if err := evaluations.Load(); err != nil {
		log.Fatalf("Loading evaluations: %v", err)
	}

	forwarder := router.NewForwarder(conf.Forward.Timeout, logger)
	forwarder.SetOrigin(conf.NodeID())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	application := app.NewApplication(
		conf.AppConfig(),
		repo,
		router.New(tier, conf.Tables()),
		forwarder,
		registry,
		evaluations,
		m,
		logger,
	)
	if err := application.Load(); err != nil {
		log.Fatalf("Restoring state: %v", err)
	}

	// Background services
	services := []service.Service{
		app.NewAssembler(application, logger),
		app.NewSweeper(application, conf.Lifecycle.SweepInterval, logger),
		router.NewRelay(application, conf.Forward.RetryInterval, logger),
		dpos.NewScheduler(registry, evaluations, logger),
		gossip.NewSynchronizer(application, conf.GossipConfig(), m, logger),
	}
	for _, s := range services {
		if err := s.Start(); err != nil {
			log.Fatalf("Starting %s: %v", s.String(), err)
		}
	}
	defer func() {
		for i := len(services) - 1; i >= 0; i-- {
			if err := services[i].Stop(); err != nil {
				logger.Error("Stopping service", "service", services[i].String(), "err", err)
			}
		}
	}()

	// Initialize Service Registry
	serviceRegistry := service_registry.NewServiceRegistry(application, logger)
	serviceRegistry.RegisterDefaultServices()

	limiter := server.NewRateLimiter(server.RateLimit{
		RequestsPerMinute: conf.Ingress.SubmitPerMinute,
		Burst:             conf.Ingress.SubmitBurst,
	})

	// Start Web Server
	webserver := server.NewWebServer(application, conf.Node.HTTPPort, logger, serviceRegistry, limiter, reg)
	if err := webserver.Start(); err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}
	logger.Info("Node started", "tier", tier, "municipality", conf.Node.Municipality)

	// Wait for interrupt signal to gracefully shut down the server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	// Create deadline to wait for server shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := webserver.Shutdown(ctx); err != nil {
		logger.Error("Shutting down HTTP web server", "err", err)
	}
	logger.Info("HTTP web server gracefully stopped")
}
