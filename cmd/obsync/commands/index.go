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

	"github.com/jra3/obsync/internal/gateway"
	"github.com/jra3/obsync/internal/index"
	"github.com/jra3/obsync/internal/reminders"
	"github.com/jra3/obsync/internal/safeio"
	"github.com/jra3/obsync/internal/vault"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Refresh the task indexes without reconciling",
	RunE:  runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().Bool("markdown-only", false, "Index vaults only; skip the reminders gateway")
	viper.BindPFlag("markdown-only", indexCmd.Flags().Lookup("markdown-only"))
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := safeio.NewRunID()

	cache, err := vault.OpenCache(filepath.Join(cfg.StateDir, "cache.db"))
	if err != nil {
		log.Printf("[index] cache unavailable: %v", err)
		cache = nil
	} else {
		defer cache.Close()
	}

	mdPath := filepath.Join(cfg.StateDir, "md_index.json")
	priorMD, _ := index.Load(mdPath)
	md, err := vault.NewIndexer(cache, cfg.Ignore).IndexVaults(ctx, cfg.Vaults, runID, priorMD)
	if err != nil {
		return err
	}
	if err := md.Save(mdPath, cfg.LockTimeout); err != nil {
		return err
	}
	fmt.Printf("markdown: %d tasks from %d vaults\n", len(md.Tasks), md.Meta.SourceCount)

	if viper.GetBool("markdown-only") {
		return nil
	}

	remPath := filepath.Join(cfg.StateDir, "rem_index.json")
	priorRem, _ := index.Load(remPath)
	gw := gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.Timeout)
	rem, err := reminders.NewIndexer(gw).IndexLists(ctx, cfg.ListIDs(), runID, priorRem)
	if err != nil {
		return err
	}
	if err := rem.Save(remPath, cfg.LockTimeout); err != nil {
		return err
	}
	fmt.Printf("reminders: %d tasks from %d lists\n", len(rem.Tasks), rem.Meta.SourceCount)
	for listID, msg := range rem.ListErrors {
		fmt.Printf("  list %s failed: %s\n", listID, msg)
	}
	return nil
}
