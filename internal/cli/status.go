package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nabil/orka/pkg/statestore"
)

var statusKind string

var statusCmd = &cobra.Command{
	Use:   "status [worker-id]",
	Short: "Show worker status",
	Long: `Show the status records of managed workers. Records claiming a live
process are re-validated against the actual process before display, so a
crashed worker shows as error_process_lost even if it died a moment ago.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusKind, "kind", "agent", "worker kind (agent, integration:<channel>)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx := cmd.Context()
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect state store: %w", err)
	}
	defer store.Close()

	sup, err := buildSupervisor(ctx, cfg, store, log.GetZerolog(), nil)
	if err != nil {
		return err
	}

	var identities []statestore.Identity
	if len(args) == 1 {
		identity, err := statestore.NewIdentity(args[0], statestore.Kind(statusKind))
		if err != nil {
			return err
		}
		identities = []statestore.Identity{identity}
	} else {
		identities, err = sup.Identities(ctx)
		if err != nil {
			return err
		}
	}

	if len(identities) == 0 {
		fmt.Println("No workers found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tKIND\tSTATUS\tRUNTIME\tPID\tLAST ACTIVE\tERROR")
	for _, identity := range identities {
		rec, err := sup.Status(ctx, identity)
		if err != nil {
			fmt.Fprintf(w, "%s\t%s\t%s\t\t\t\t%v\n", identity.WorkerID, identity.Kind, "unreadable", err)
			continue
		}
		if rec == nil {
			fmt.Fprintf(w, "%s\t%s\t%s\t\t\t\t\n", identity.WorkerID, identity.Kind, "absent")
			continue
		}

		pid := ""
		if rec.PID != 0 {
			pid = fmt.Sprintf("%d", rec.PID)
		}
		lastActive := ""
		if !rec.LastActive.IsZero() {
			lastActive = formatAge(time.Since(rec.LastActive))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			identity.WorkerID, identity.Kind, rec.Status, rec.Runtime, pid, lastActive, rec.ErrorDetail)
	}
	return w.Flush()
}

func formatAge(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
