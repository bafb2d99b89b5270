package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nabil/orka/pkg/statestore"
	"github.com/nabil/orka/pkg/supervisor"
)

var (
	stopKind  string
	stopForce bool
)

var stopCmd = &cobra.Command{
	Use:   "stop <worker-id>",
	Short: "Stop a worker",
	Long: `Stop a managed worker. By default the worker gets the graceful stop
signal and the configured grace period; --force escalates to a kill when the
grace period runs out.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

var launchCmd = &cobra.Command{
	Use:   "launch <worker-id>",
	Short: "Launch a worker",
	Long: `Launch a managed worker. The launch descriptor is fetched from the
configuration service; a worker already starting or running is left alone.`,
	Args: cobra.ExactArgs(1),
	RunE: runLaunch,
}

var restartCmd = &cobra.Command{
	Use:   "restart <worker-id>",
	Short: "Restart a worker",
	Long: `Restart a managed worker: a forced stop followed by a fresh start with
settings re-fetched from the configuration service.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestart,
}

func init() {
	stopCmd.Flags().StringVar(&stopKind, "kind", "agent", "worker kind (agent, integration:<channel>)")
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "escalate to kill if the worker ignores the graceful stop")
	restartCmd.Flags().StringVar(&stopKind, "kind", "agent", "worker kind (agent, integration:<channel>)")
	launchCmd.Flags().StringVar(&stopKind, "kind", "agent", "worker kind (agent, integration:<channel>)")
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(launchCmd)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	identity, sup, cleanup, err := supervisorForCommand(cmd, args[0])
	if err != nil {
		return err
	}
	defer cleanup()

	if err := sup.Start(cmd.Context(), identity); err != nil {
		return err
	}
	fmt.Printf("Worker %s launched\n", identity)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	identity, sup, cleanup, err := supervisorForCommand(cmd, args[0])
	if err != nil {
		return err
	}
	defer cleanup()

	if err := sup.Stop(cmd.Context(), identity, stopForce); err != nil {
		return err
	}
	fmt.Printf("Worker %s stopped\n", identity)
	return nil
}

func runRestart(cmd *cobra.Command, args []string) error {
	identity, sup, cleanup, err := supervisorForCommand(cmd, args[0])
	if err != nil {
		return err
	}
	defer cleanup()

	if err := sup.Restart(cmd.Context(), identity); err != nil {
		return err
	}
	fmt.Printf("Worker %s restarted\n", identity)
	return nil
}

// supervisorForCommand wires the one-shot supervisor used by stop and
// restart. The returned cleanup closes the store and logger.
func supervisorForCommand(cmd *cobra.Command, workerID string) (statestore.Identity, *supervisor.Supervisor, func(), error) {
	identity, err := statestore.NewIdentity(workerID, statestore.Kind(stopKind))
	if err != nil {
		return statestore.Identity{}, nil, nil, err
	}

	cfg, err := loadConfig()
	if err != nil {
		return statestore.Identity{}, nil, nil, err
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return statestore.Identity{}, nil, nil, err
	}

	ctx := cmd.Context()
	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Close()
		return statestore.Identity{}, nil, nil, fmt.Errorf("failed to connect state store: %w", err)
	}

	sup, err := buildSupervisor(ctx, cfg, store, log.GetZerolog(), nil)
	if err != nil {
		store.Close()
		log.Close()
		return statestore.Identity{}, nil, nil, err
	}

	cleanup := func() {
		store.Close()
		log.Close()
	}
	return identity, sup, cleanup, nil
}
