package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nabil/orka/pkg/statestore"
	"github.com/nabil/orka/pkg/supervisor"
	"github.com/nabil/orka/pkg/worker"
)

var (
	workerID        string
	workerKind      string
	workerConfigURL string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a single worker process",
	Long: `Run one worker process. This is the entrypoint the supervisor launches,
both directly for local workers and as the container command. Agents run the
message pipeline; channel integrations bridge their channel to the agent.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerID, "worker-id", "", "worker identifier")
	workerCmd.Flags().StringVar(&workerKind, "kind", "agent", "worker kind (agent, integration:<channel>)")
	workerCmd.Flags().StringVar(&workerConfigURL, "config-url", "", "configuration service base URL")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Container workers receive their identity through the environment.
	if v := os.Getenv("ORKA_WORKER_ID"); workerID == "" && v != "" {
		workerID = v
	}
	if v := os.Getenv("ORKA_WORKER_KIND"); v != "" && !cmd.Flags().Changed("kind") {
		workerKind = v
	}
	if v := os.Getenv("ORKA_WORKER_CONFIG_URL"); workerConfigURL == "" && v != "" {
		workerConfigURL = v
	}

	identity, err := statestore.NewIdentity(workerID, statestore.Kind(workerKind))
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workerConfigURL == "" {
		workerConfigURL = cfg.ConfigServiceURL
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()
	zl := log.GetZerolog().With().Str("worker_id", workerID).Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect state store: %w", err)
	}
	defer store.Close()

	fetch := supervisor.HTTPDescriptorFetcher(workerConfigURL, nil)

	if identity.Kind.IsIntegration() {
		return runIntegrationWorker(cmd, identity, cfg.Telegram.BotToken, store, fetch, zl)
	}

	// Agent worker. Restart commands relaunch the runtime in-process.
	for {
		rt, err := worker.New(worker.Config{
			Identity:     identity,
			Store:        store,
			Fetch:        fetch,
			Pipeline:     worker.EchoPipeline(),
			Logger:       zl,
			HistoryQueue: cfg.Queues.HistoryQueue,
			UsageQueue:   cfg.Queues.UsageQueue,
		})
		if err != nil {
			return err
		}

		if err := rt.Run(ctx); err != nil {
			return err
		}
		if !rt.RestartRequested() || ctx.Err() != nil {
			return nil
		}
		zl.Info().Msg("Restart requested, relaunching worker runtime")
	}
}

func runIntegrationWorker(cmd *cobra.Command, identity statestore.Identity, fallbackToken string, store statestore.Store, fetch supervisor.DescriptorFunc, zl zerolog.Logger) error {
	if identity.Kind.Channel() != worker.TelegramChannel {
		return fmt.Errorf("unsupported integration channel %q", identity.Kind.Channel())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		token := fallbackToken
		// Channel settings come from the config service, never a local cache.
		if desc, err := fetch(ctx, identity); err == nil && len(desc.Settings) > 0 {
			var settings struct {
				BotToken string `json:"bot_token"`
			}
			if err := json.Unmarshal(desc.Settings, &settings); err == nil && settings.BotToken != "" {
				token = settings.BotToken
			}
		} else if err != nil {
			zl.Warn().Err(err).Msg("Descriptor fetch failed, using configured token")
		}

		tg, err := worker.NewTelegram(worker.TelegramConfig{
			Token:    token,
			WorkerID: identity.WorkerID,
			Store:    store,
			Logger:   zl,
		})
		if err != nil {
			return err
		}

		if err := tg.Run(ctx); err != nil {
			return err
		}
		if !tg.RestartRequested() || ctx.Err() != nil {
			return nil
		}
		zl.Info().Msg("Restart requested, relaunching integration")
	}
}
