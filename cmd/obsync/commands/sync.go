package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jra3/obsync/internal/counterpart"
	"github.com/jra3/obsync/internal/gateway"
	"github.com/jra3/obsync/internal/match"
	"github.com/jra3/obsync/internal/sync"
	"github.com/jra3/obsync/internal/vault"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a full reconcile between vaults and reminders",
	RunE:  runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().Bool("dry-run", false, "Plan only; apply nothing")
	syncCmd.Flags().String("create", "both", "Counterpart creation direction: md-to-rem, rem-to-md, both, none")
	syncCmd.Flags().String("algorithm", match.AlgorithmHungarian, "Assignment strategy: hungarian or greedy")
	syncCmd.Flags().Bool("write-anchors", false, "Stamp block anchors onto markdown tasks entering a link")
	syncCmd.Flags().Bool("no-cache", false, "Bypass the file-parse cache")

	viper.BindPFlag("dry-run", syncCmd.Flags().Lookup("dry-run"))
	viper.BindPFlag("create", syncCmd.Flags().Lookup("create"))
	viper.BindPFlag("algorithm", syncCmd.Flags().Lookup("algorithm"))
	viper.BindPFlag("no-cache", syncCmd.Flags().Lookup("no-cache"))
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if writeAnchors, _ := cmd.Flags().GetBool("write-anchors"); writeAnchors {
		cfg.WriteAnchors = true
	}

	var direction counterpart.Direction
	switch viper.GetString("create") {
	case "md-to-rem":
		direction = counterpart.MdToRem
	case "rem-to-md":
		direction = counterpart.RemToMd
	case "none":
		direction = 0
	default:
		direction = counterpart.Both
	}

	var cache *vault.Cache
	if !viper.GetBool("no-cache") {
		cache, err = vault.OpenCache(filepath.Join(cfg.StateDir, "cache.db"))
		if err != nil {
			log.Printf("[sync] cache unavailable, parsing everything: %v", err)
		} else {
			defer cache.Close()
		}
	}

	runner := &sync.Runner{
		Config: cfg,
		GW:     gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.Timeout),
		Cache:  cache,
	}

	// a first interrupt cancels between stages; a second kills the process
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runner.Run(ctx, sync.Options{
		DryRun:    viper.GetBool("dry-run"),
		Direction: direction,
		Algorithm: viper.GetString("algorithm"),
	})
	if err != nil {
		return err
	}

	if viper.GetBool("dry-run") {
		fmt.Printf("dry run: %d md tasks, %d rem tasks, %d links, %d planned updates\n",
			res.MDTasks, res.RemTasks, res.Links, len(res.Plan.Updates))
		for _, u := range res.Plan.Updates {
			fmt.Printf("  %s %s: %q -> %q (%s)\n", u.Direction, u.Field, u.OldValue, u.NewValue, u.MDID)
		}
		return nil
	}

	fmt.Printf("run %s (%s): %d links, applied %d, created %d reminders / %d markdown, retired %d+%d, failed %d\n",
		res.RunID, res.Disposition, res.Links, res.Applied,
		res.CreatedReminders, res.CreatedMarkdown,
		res.RetiredReminders, res.RetiredMarkdown, res.Failed)

	if res.Disposition == sync.DispositionFailed {
		return fmt.Errorf("run failed")
	}
	return nil
}
