package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	pkg "git.solsynth.dev/hypernet/courier/pkg/internal"
	"git.solsynth.dev/hypernet/courier/pkg/internal/config"
	"git.solsynth.dev/hypernet/courier/pkg/internal/database"
	"git.solsynth.dev/hypernet/courier/pkg/internal/grpc"
	"git.solsynth.dev/hypernet/courier/pkg/internal/http"
	"git.solsynth.dev/hypernet/courier/pkg/internal/ledger"
	"git.solsynth.dev/hypernet/courier/pkg/internal/rooms"
	"git.solsynth.dev/hypernet/courier/pkg/internal/services"
	"git.solsynth.dev/hypernet/courier/pkg/internal/store"
	"git.solsynth.dev/hypernet/courier/pkg/internal/transport"
	gocachestore "github.com/eko/gocache/store/go_cache/v4"
	"github.com/fatih/color"
	gocache "github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

type backend struct {
	messages store.Store
	markers  ledger.MarkerStore
	members  services.Membership
	cleanup  func()
	close    func(ctx context.Context)
}

func main() {
	color.New(color.FgHiCyan, color.Bold).Printf("HyperNet.Courier v%s\n", pkg.AppVersion)
	color.New(color.FgHiBlack).Println("Real-time delivery and notification accounting")

	// Load settings
	if err := config.Load(); err != nil {
		log.Panic().Err(err).Msg("An error occurred when loading settings.")
	}
	if viper.GetBool("debug.enabled") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Connect to storage
	deps, err := connect(context.Background(), viper.GetString("store.engine"))
	if err != nil {
		log.Fatal().Err(err).Str("engine", viper.GetString("store.engine")).
			Msg("An error occurred when connecting to storage.")
	}

	// Delivery engine
	adapter := transport.NewAdapter(rooms.NewRegistry(), config.Transport(viper.GetViper()))
	counters := ledger.NewLedger(deps.messages, deps.markers, adapter, config.Ledger(viper.GetViper()))
	delivery := services.NewDelivery(deps.messages, counters, adapter, deps.members, config.Delivery(viper.GetViper()))

	// Server
	server := http.NewServer(delivery, adapter)
	go server.Listen()

	rpc := grpc.NewGrpc()
	go func() {
		if err := rpc.Listen(); err != nil {
			log.Fatal().Err(err).Msg("An error occurred when starting gRPC server...")
		}
	}()
	rpc.SetServing(true)

	// Configure timed tasks
	quartz := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger)))
	every := func(key string) string {
		return fmt.Sprintf("@every %s", viper.GetDuration(key))
	}
	_, _ = quartz.AddFunc(every("ledger.flush_interval"), func() {
		if _, err := counters.Flush(context.Background()); err != nil {
			log.Error().Err(err).Msg("An error occurred when flushing read markers...")
		}
	})
	_, _ = quartz.AddFunc(every("ledger.reconcile_interval"), func() {
		if _, err := counters.ReconcileAll(context.Background()); err != nil {
			log.Error().Err(err).Msg("An error occurred when reconciling unread counters...")
		}
	})
	_, _ = quartz.AddFunc(every("transport.sweep_interval"), func() {
		adapter.SweepIdle()
	})
	if deps.cleanup != nil {
		_, _ = quartz.AddFunc("@every 60m", deps.cleanup)
	}
	quartz.Start()

	// Messages
	log.Info().Msgf("Courier v%s is started...", pkg.AppVersion)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msgf("Courier v%s is quitting...", pkg.AppVersion)

	rpc.SetServing(false)
	<-quartz.Stop().Done()
	if err := server.Shutdown(); err != nil {
		log.Error().Err(err).Msg("An error occurred when shutting down server...")
	}
	adapter.Close()
	rpc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if count, err := counters.Flush(ctx); err != nil {
		log.Error().Err(err).Msg("An error occurred when flushing read markers...")
	} else {
		log.Info().Int("markers", count).Msg("Read markers flushed.")
	}
	if deps.close != nil {
		deps.close(ctx)
	}
}

func connect(ctx context.Context, engine string) (backend, error) {
	switch engine {
	case config.EngineGorm:
		source, err := database.NewSource()
		if err != nil {
			return backend{}, err
		} else if err := database.RunMigration(source); err != nil {
			return backend{}, fmt.Errorf("unable to run database auto migration: %v", err)
		}

		memo := gocachestore.NewGoCache(gocache.New(5*time.Minute, 10*time.Minute))
		retention := viper.GetDuration("database.retention")
		return backend{
			messages: store.NewGormStore(source),
			markers:  ledger.NewGormMarkerStore(source),
			members:  services.NewGormMembership(source, memo, viper.GetDuration("cache.membership_ttl")),
			cleanup: func() {
				database.PurgeDeletedMessages(source, retention)
			},
		}, nil
	case config.EngineMongo:
		db, err := database.NewMongo(ctx)
		if err != nil {
			return backend{}, err
		}
		messages := store.NewMongoStore(db)
		if err := messages.EnsureIndexes(ctx); err != nil {
			return backend{}, fmt.Errorf("unable to create mongo indexes: %v", err)
		}
		members, err := staticMembership(ctx)
		if err != nil {
			return backend{}, err
		}
		return backend{
			messages: messages,
			markers:  ledger.NewMongoMarkerStore(db),
			members:  members,
			close: func(ctx context.Context) {
				_ = db.Client().Disconnect(ctx)
			},
		}, nil
	default:
		members, err := staticMembership(ctx)
		if err != nil {
			return backend{}, err
		}
		log.Warn().Msg("Using the memory engine, messages will not survive a restart.")
		return backend{
			messages: store.NewMemoryStore(time.Now),
			markers:  ledger.NewMemoryMarkerStore(),
			members:  members,
		}, nil
	}
}

func staticMembership(ctx context.Context) (*services.MemoryMembership, error) {
	table, err := config.Members(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("unable to read membership table: %v", err)
	}
	members := services.NewMemoryMembership()
	for scope, accounts := range table {
		for _, account := range accounts {
			if err := members.AddMember(ctx, scope, account); err != nil {
				return nil, err
			}
		}
	}
	return members, nil
}
