package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/84hero/token-indexer/internal/mapper"
	"github.com/84hero/token-indexer/internal/metrics"
	"github.com/84hero/token-indexer/internal/personalinfo"
	"github.com/84hero/token-indexer/internal/store"
	"github.com/84hero/token-indexer/internal/stream"
	"github.com/84hero/token-indexer/pkg/config"
	"github.com/84hero/token-indexer/pkg/rpc"
	"github.com/84hero/token-indexer/pkg/scanner"
	outputs "github.com/84hero/token-indexer/pkg/sink"
	"github.com/84hero/token-indexer/pkg/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run [stream...]",
		Short: "Run sync streams (all enabled streams when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return Run(cmd.Context(), cfg, args)
		},
	}
}

func newMigrateCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("database.url is required")
			}
			db, err := store.Open(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.Migrate(cmd.Context(), db.DB()); err != nil {
				return err
			}
			log.Info("Schema up to date")
			return nil
		},
	}
}

func newStreamsCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "streams",
		Short: "List sync streams with their configured interval",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			for _, name := range stream.Names() {
				sc := cfg.Stream(name)
				state := "enabled"
				if !sc.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s %-8s %s\n", name, sc.Interval, state)
			}
			return nil
		},
	}
}

// selectStreams resolves the streams to run. Named streams run even when
// disabled in config.
func selectStreams(cfg *config.Config, names []string) ([]string, error) {
	if len(names) > 0 {
		for _, name := range names {
			if _, ok := stream.Get(name); !ok {
				return nil, fmt.Errorf("unknown stream %q", name)
			}
		}
		return names, nil
	}
	var out []string
	for _, name := range stream.Names() {
		if cfg.Stream(name).Enabled {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no streams enabled")
	}
	return out, nil
}

func openCheckpoints(ctx context.Context, cfg config.CheckpointConfig, db *sql.DB) (storage.Checkpoints, error) {
	switch cfg.Backend {
	case "postgres":
		return storage.NewPostgresStoreFromDB(ctx, db, cfg.Prefix)
	case "redis":
		return storage.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Prefix)
	case "memory", "":
		log.Warn("Checkpoints are kept in memory, every restart resyncs from block 0")
		return storage.NewMemoryStore(cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

func loadKeyring(cfg config.PersonalInfoConfig) (*personalinfo.Keyring, error) {
	keys := personalinfo.NewKeyring()
	if cfg.DefaultKeyFile != "" {
		key, err := personalinfo.LoadPrivateKey(cfg.DefaultKeyFile, cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("default key: %w", err)
		}
		keys.SetDefault(key)
	}
	for _, ik := range cfg.Issuers {
		if !common.IsHexAddress(ik.Issuer) {
			return nil, fmt.Errorf("invalid issuer address %q", ik.Issuer)
		}
		pass := ik.Passphrase
		if pass == "" {
			pass = cfg.Passphrase
		}
		key, err := personalinfo.LoadPrivateKey(ik.KeyFile, pass)
		if err != nil {
			return nil, fmt.Errorf("key of %s: %w", ik.Issuer, err)
		}
		keys.Add(common.HexToAddress(ik.Issuer), key)
	}
	return keys, nil
}

func initOutputs(ctx context.Context, cfg config.OutputsConfig, db *sql.DB) ([]outputs.Output, error) {
	var outs []outputs.Output

	if cfg.Webhook.Enabled {
		outs = append(outs, outputs.NewWebhookOutput(cfg.Webhook.WebhookConfig))
	}

	if cfg.File.Enabled {
		fo, err := outputs.NewFileOutput(cfg.File.Path)
		if err != nil {
			return outs, fmt.Errorf("file output: %w", err)
		}
		outs = append(outs, fo)
	}

	if cfg.Console.Enabled {
		outs = append(outs, outputs.NewConsoleOutput())
	}

	if cfg.Postgres.Enabled {
		var (
			po  *outputs.PostgresOutput
			err error
		)
		// without its own url the archive lives next to the synced tables
		if cfg.Postgres.URL == "" && db != nil {
			po, err = outputs.NewPostgresOutputFromDB(ctx, db, cfg.Postgres.Table)
		} else {
			po, err = outputs.NewPostgresOutput(cfg.Postgres.URL, cfg.Postgres.Table)
		}
		if err != nil {
			return outs, fmt.Errorf("postgres output: %w", err)
		}
		outs = append(outs, po)
	}

	if cfg.Redis.Enabled {
		ro, err := outputs.NewRedisOutput(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Key, cfg.Redis.Mode)
		if err != nil {
			return outs, fmt.Errorf("redis output: %w", err)
		}
		outs = append(outs, ro)
	}

	if cfg.Kafka.Enabled {
		ko, err := outputs.NewKafkaOutput(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.User, cfg.Kafka.Password)
		if err != nil {
			return outs, fmt.Errorf("kafka output: %w", err)
		}
		outs = append(outs, ko)
	}

	if cfg.RabbitMQ.Enabled {
		ro, err := outputs.NewRabbitMQOutput(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.RoutingKey, cfg.RabbitMQ.QueueName, cfg.RabbitMQ.Durable)
		if err != nil {
			return outs, fmt.Errorf("rabbitmq output: %w", err)
		}
		outs = append(outs, ro)
	}

	return outs, nil
}

// Run syncs the named streams (every enabled one when names is empty) until
// ctx is cancelled or a signal arrives.
func Run(ctx context.Context, cfg *config.Config, names []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	names, err := selectStreams(cfg, names)
	if err != nil {
		return err
	}
	if cfg.PersonalInfo.DefaultAddress != "" && !common.IsHexAddress(cfg.PersonalInfo.DefaultAddress) {
		return fmt.Errorf("invalid personal_info.default_address %q", cfg.PersonalInfo.DefaultAddress)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := rpc.NewClient(ctx, cfg.Nodes())
	if err != nil {
		return err
	}
	defer client.Close()
	if id, err := client.ChainID(ctx); err == nil {
		log.Info("Connected to chain", "chain_id", id, "nodes", len(cfg.Nodes()))
	}

	db, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if cfg.Database.MaxOpenConns > 0 {
		db.DB().SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.Migrate {
		if err := store.Migrate(ctx, db.DB()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	checkpoints, err := openCheckpoints(ctx, cfg.Checkpoint, db.DB())
	if err != nil {
		return fmt.Errorf("checkpoints: %w", err)
	}
	defer checkpoints.Close()

	clock, err := mapper.NewClock(client, cfg.Sync.ClockCacheSize)
	if err != nil {
		return err
	}
	keys, err := loadKeyring(cfg.PersonalInfo)
	if err != nil {
		return err
	}

	outs, err := initOutputs(ctx, cfg.Outputs, db.DB())
	publisher := outputs.NewPublisher(outs...)
	defer publisher.Close()
	if err != nil {
		return err
	}

	m := metrics.New()
	deps := stream.Deps{
		Client:              client,
		Store:               db,
		Clock:               clock,
		Decrypter:           keys,
		DefaultPersonalInfo: common.HexToAddress(cfg.PersonalInfo.DefaultAddress),
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return m.Serve(gctx, cfg.Metrics.Addr) })
	}
	for _, name := range names {
		st, err := stream.Build(name, deps)
		if err != nil {
			return err
		}
		sc := scanner.New(client, checkpoints, st, scanner.Config{
			Interval:  cfg.Stream(name).Interval,
			ChunkSize: cfg.Sync.ChunkSize,
			UseBloom:  cfg.Sync.UseBloom,
		})
		if len(outs) > 0 {
			sc.SetPublisher(publisher)
		}
		sc.SetObserver(m)
		g.Go(func() error { return sc.Start(gctx) })
	}

	log.Info("Indexer started", "streams", names, "outputs", len(outs))
	err = g.Wait()
	log.Info("Shutting down...")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
