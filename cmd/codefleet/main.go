package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/codefleet/chat"
	"github.com/hrygo/codefleet/envsync"
	"github.com/hrygo/codefleet/executor"
	"github.com/hrygo/codefleet/fleet"
	"github.com/hrygo/codefleet/flow"
	"github.com/hrygo/codefleet/internal/profile"
	"github.com/hrygo/codefleet/internal/version"
	"github.com/hrygo/codefleet/memory"
	"github.com/hrygo/codefleet/server"
	"github.com/hrygo/codefleet/session"
	"github.com/hrygo/codefleet/shell"
	"github.com/hrygo/codefleet/store"
	"github.com/hrygo/codefleet/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "codefleet",
	Short: "A fleet orchestrator for coding-agent CLIs: queue tasks from chat, run them on remote machines, stream the output back.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Best effort; deployments may configure purely via environment.
		_ = godotenv.Load()
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    viper.GetString("addr"),
			Port:    viper.GetInt("port"),
			Data:    viper.GetString("data"),
			Driver:  viper.GetString("driver"),
			DSN:     viper.GetString("dsn"),
			Version: version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			return err
		}
		return run(instanceProfile)
	},
}

func run(instanceProfile *profile.Profile) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbDriver, err := db.NewDBDriver(instanceProfile)
	if err != nil {
		return fmt.Errorf("failed to create db driver: %w", err)
	}
	storeInstance := store.New(dbDriver)
	defer storeInstance.Close()
	if err := storeInstance.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	targets := make([]shell.Target, 0, len(instanceProfile.Targets))
	for _, t := range instanceProfile.Targets {
		targets = append(targets, shell.Target{
			ID:      t.ID,
			Host:    t.Host,
			User:    t.User,
			KeyPath: t.KeyPath,
			Port:    t.Port,
			OS:      t.OS,
		})
	}
	gateway := shell.NewGateway(targets, slog.Default())

	telegram, err := chat.NewTelegram(instanceProfile.BotToken, instanceProfile.GroupChatID)
	if err != nil {
		return err
	}
	suppressor := chat.NewSuppressor()
	facade := chat.NewFacade(telegram, storeInstance).WithSuppressor(suppressor)
	if _, err := facade.ReconcileTopics(ctx); err != nil {
		slog.Warn("topic reconciliation failed", "error", err)
	}
	registry := fleet.NewRegistry(storeInstance)
	sessions := session.NewManager(gateway, facade, suppressor)

	var worker *executor.Executor
	if instanceProfile.ExecutorEnabled {
		worker, err = buildExecutor(ctx, instanceProfile, storeInstance, registry, gateway, sessions, facade)
		if err != nil {
			return err
		}
	}

	router := flow.NewRouter(storeInstance, registry, gateway, facade, sessions, worker,
		suppressor, instanceProfile.ExecutorBaseDir)
	poller := chat.NewPoller(telegram.Bot(), instanceProfile.OffsetPath,
		func(ctx context.Context, u *chat.Update) {
			router.HandleUpdate(ctx, *u)
		})
	srv := server.NewServer(instanceProfile, storeInstance, registry)

	printGreetings(instanceProfile)

	g, gctx := errgroup.WithContext(signalContext(ctx))
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error {
		registry.RunSweeper(gctx)
		return nil
	})
	if worker != nil {
		g.Go(func() error { return worker.Run(gctx) })
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	slog.Info("codefleet stopped")
	return nil
}

func buildExecutor(ctx context.Context, instanceProfile *profile.Profile, storeInstance *store.Store,
	registry *fleet.Registry, gateway *shell.Gateway, sessions *session.Manager, facade *chat.Facade) (*executor.Executor, error) {
	machines := make([]string, 0, len(instanceProfile.Targets))
	for _, t := range instanceProfile.Targets {
		machines = append(machines, t.ID)
	}
	engine, err := session.EngineByName(instanceProfile.DefaultEngine)
	if err != nil {
		return nil, err
	}

	worker := executor.New(executor.Config{
		WorkerID:      instanceProfile.ExecutorID,
		Machines:      machines,
		MaxConcurrent: instanceProfile.ExecutorMaxConcurrent,
		SessionMode:   instanceProfile.SessionMode,
		DefaultEngine: engine,
		BaseDir:       instanceProfile.ExecutorBaseDir,
		ChownUser:     instanceProfile.ExecutorChownUser,
	}, storeInstance, registry, gateway, sessions, facade)

	if instanceProfile.SyncPassphrase != "" && instanceProfile.SyncFile != "" {
		cipher, err := envsync.NewCipher(instanceProfile.SyncPassphrase)
		if err != nil {
			return nil, err
		}
		worker.WithEnvSync(envsync.NewFileStore(instanceProfile.SyncFile, cipher))
	}

	if instanceProfile.IsMemoryEnabled() {
		embedder := memory.NewOpenAIEmbedder(instanceProfile.OpenAIAPIKey)
		pgMemory := memory.NewPGStore(storeInstance.GetDB(), embedder)
		if err := pgMemory.Migrate(ctx); err != nil {
			slog.Warn("memory store unavailable, continuing without it", "error", err)
		} else {
			worker.WithMemory(pgMemory)
		}
	}

	if instanceProfile.OpenAIAPIKey != "" && instanceProfile.ClassifierModel != "" {
		worker.WithClassifier(executor.NewClassifier(
			instanceProfile.OpenAIAPIKey, instanceProfile.ClassifierModel))
	}
	return worker, nil
}

func printGreetings(instanceProfile *profile.Profile) {
	fmt.Printf("codefleet %s, driver %s, executor=%v\n",
		instanceProfile.Version, instanceProfile.Driver, instanceProfile.ExecutorEnabled)
	fmt.Printf("status endpoint: http://%s:%d/api/status\n",
		orLocalhost(instanceProfile.Addr), instanceProfile.Port)
}

func orLocalhost(addr string) string {
	if addr == "" {
		return "localhost"
	}
	return addr
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 28090)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28090, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver (sqlite, postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka. DSN)")

	for _, flag := range []string{"mode", "addr", "port", "data", "driver", "dsn"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("codefleet")
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
