package main

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/cuehall/go/internal/config"
	"github.com/mcdev12/cuehall/go/internal/dbconfig"
	"github.com/mcdev12/cuehall/go/internal/gateway"
	"github.com/mcdev12/cuehall/go/internal/outbox"
	"github.com/mcdev12/cuehall/go/internal/store/pgstore"
	"github.com/mcdev12/cuehall/go/internal/storeservice"
)

// Services holds everything the server runs.
type Services struct {
	Pool      *pgxpool.Pool
	DB        *sql.DB
	Store     *pgstore.Store
	Service   *storeservice.Service
	Gateway   *gateway.Service
	Publisher *outbox.JetStreamPublisher
	Listener  *outbox.Listener
	Health    *outbox.HealthChecker

	wg sync.WaitGroup
}

func setupServices(ctx context.Context) (*Services, error) {
	dbCfg := dbconfig.NewConfigFromEnv()
	dsn := config.GetEnv("DB_URL", dbCfg.DSN())
	natsURL := config.GetEnv("NATS_URL", "nats://localhost:4222")

	// Database layer → Store → Service / Gateway; outbox runs beside them
	pool, err := pgstore.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &Services{Pool: pool}

	// lib/pq backs the outbox repository and LISTEN/NOTIFY
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	s.DB = db
	if err := db.PingContext(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("database", dbCfg.Database).
		Msg("connected to database")

	storeCfg := pgstore.DefaultConfig(dsn)
	storeCfg.NotifyChannel = config.GetEnv("NOTIFY_CHANNEL", storeCfg.NotifyChannel)
	s.Store = pgstore.New(pool, storeCfg)
	s.Service = storeservice.NewService(s.Store)

	// the publisher creates the stream the gateway consumer attaches to
	jsCfg := outbox.DefaultJetStreamConfig()
	jsCfg.URL = natsURL
	publisher, err := outbox.NewJetStreamPublisher(jsCfg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create JetStream publisher: %w", err)
	}
	s.Publisher = publisher

	repo := outbox.NewRepository(db)
	lCfg := outbox.DefaultListenerConfig()
	lCfg.DatabaseURL = dsn
	lCfg.NotifyChannel = storeCfg.NotifyChannel
	lCfg.FallbackInterval = config.GetEnvAsDuration("FALLBACK_INTERVAL", lCfg.FallbackInterval)
	lCfg.BatchSize = config.GetEnvAsInt("OUTBOX_BATCH_SIZE", lCfg.BatchSize)
	s.Listener = outbox.NewListener(repo, publisher, nil, lCfg)
	s.Health = outbox.NewHealthChecker(s.Listener, repo, db, publisher, nil,
		config.GetEnvAsDuration("OUTBOX_STALE_AFTER", 5*time.Minute))

	gwCfg := gateway.DefaultConfig()
	gwCfg.JetStreamConfig.URL = natsURL
	gwCfg.JetStreamConfig.ConsumerName = config.GetEnv("GATEWAY_CONSUMER", gwCfg.JetStreamConfig.ConsumerName)
	gw, err := gateway.NewService(gwCfg, s.Store)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	s.Gateway = gw

	return s, nil
}

// Start runs the background workers until ctx is cancelled.
func (s *Services) Start(ctx context.Context) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		log.Info().Msg("starting outbox listener")
		if err := s.Listener.Start(ctx); err != nil {
			log.Error().Err(err).Msg("outbox listener exited")
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.Gateway.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway exited")
		}
	}()
}

// Wait blocks until the workers started by Start return.
func (s *Services) Wait() {
	s.wg.Wait()
}

func (s *Services) Close() {
	if s.Publisher != nil {
		if err := s.Publisher.Close(); err != nil {
			log.Error().Err(err).Msg("close publisher")
		}
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Error().Err(err).Msg("close database")
		}
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
