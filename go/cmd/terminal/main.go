package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/cuehall/go/internal/config"
	"github.com/mcdev12/cuehall/go/internal/dbconfig"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/mcdev12/cuehall/go/internal/store/memstore"
	"github.com/mcdev12/cuehall/go/internal/store/pgstore"
	"github.com/mcdev12/cuehall/go/internal/store/rpcstore"
	"github.com/mcdev12/cuehall/go/internal/terminal"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(config.GetEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	club, err := config.Load(config.GetEnv("CLUB_CONFIG", "club.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load club config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, closeStore, err := setupStore(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up store")
	}
	defer closeStore()

	cfg := terminal.ConfigFromClub(club, config.GetEnv("DEVICE_ID", ""))
	if config.GetEnvAsBool("LOG_TICKS", false) {
		cfg.OnTick = logTick
	}
	term := terminal.New(s, clockwork.NewRealClock(), cfg)
	defer term.Close()

	go logNotices(ctx, term)

	if err := term.Start(ctx); err != nil {
		log.Error().Err(err).Msg("terminal started degraded")
	}

	log.Info().Str("club_id", club.ID).Int("tables", len(club.Tables)).Msg("terminal ready, type help")
	runCommands(ctx, term, os.Stdin, os.Stdout)
}

// setupStore picks the backend from STORE_BACKEND: memory, rpc or postgres.
func setupStore(ctx context.Context) (store.Store, func(), error) {
	switch backend := config.GetEnv("STORE_BACKEND", "rpc"); backend {
	case "memory":
		log.Warn().Msg("using in-memory store, nothing is persisted")
		return memstore.New(nil), func() {}, nil

	case "rpc":
		s, err := rpcstore.New(nil, rpcstore.Config{
			BaseURL:  config.GetEnv("SERVER_URL", "http://localhost:8080"),
			DeviceID: config.GetEnv("DEVICE_ID", ""),
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil

	case "postgres":
		dsn := config.GetEnv("DB_URL", dbconfig.NewConfigFromEnv().DSN())
		pool, err := pgstore.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool, pgstore.DefaultConfig(dsn)), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}
}

func logTick(views []terminal.TableView) {
	for _, v := range views {
		if v.Session.StartTime == nil {
			continue
		}
		log.Debug().
			Str("table_id", v.Config.ID).
			Str("status", string(v.Session.Status)).
			Dur("elapsed", v.Elapsed).
			Str("live_total", v.LiveTotal.StringFixed(2)).
			Bool("pending", v.Pending).
			Bool("stale", v.Stale).
			Msg("tick")
	}
}

func logNotices(ctx context.Context, term *terminal.Terminal) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-term.Notices():
			if !ok {
				return
			}
			log.Warn().
				Str("kind", string(n.Kind)).
				Str("tier", n.Tier.String()).
				Str("collection", n.Collection).
				Msg(n.Message)
		}
	}
}
