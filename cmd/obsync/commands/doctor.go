package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jra3/obsync/internal/index"
	"github.com/jra3/obsync/internal/links"
	"github.com/jra3/obsync/internal/safeio"
	"github.com/jra3/obsync/internal/taskline"
	"github.com/jra3/obsync/internal/vault"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Inspect state integrity without mutating anything",
	RunE:  runDoctor,
}

var stripAnchorsCmd = &cobra.Command{
	Use:   "strip-anchors",
	Short: "Remove block anchors no link references",
	RunE:  runStripAnchors,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.AddCommand(stripAnchorsCmd)
	stripAnchorsCmd.Flags().Bool("apply", false, "Rewrite files; default only reports")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	findings := 0
	report := func(format string, a ...any) {
		findings++
		fmt.Printf("  "+format+"\n", a...)
	}

	md, mdErr := index.Load(filepath.Join(cfg.StateDir, "md_index.json"))
	rem, remErr := index.Load(filepath.Join(cfg.StateDir, "rem_index.json"))

	fmt.Println("indexes:")
	if mdErr != nil {
		report("markdown index unreadable: %v", mdErr)
	} else {
		fmt.Printf("  markdown: %d tasks (run %s)\n", len(md.Tasks), md.Meta.RunID)
		for _, a := range md.Quarantined {
			report("markdown quarantined: %s (%s)", a.ID, a.Reason)
		}
	}
	if remErr != nil {
		report("reminders index unreadable: %v", remErr)
	} else {
		fmt.Printf("  reminders: %d tasks (run %s)\n", len(rem.Tasks), rem.Meta.RunID)
		for listID, msg := range rem.ListErrors {
			report("reminders list %s failed last run: %s", listID, msg)
		}
	}

	fmt.Println("links:")
	set, err := links.Load(filepath.Join(cfg.StateDir, "links.json"))
	if err != nil {
		report("link file unreadable: %v", err)
	} else {
		for _, p := range set.Validate() {
			report("%s", p)
		}
		if mdErr == nil && remErr == nil {
			for _, l := range set.Links {
				if !md.Has(l.MDID) {
					report("link %s/%s: markdown endpoint missing", l.MDID, l.RemID)
				}
				if !rem.Has(l.RemID) {
					report("link %s/%s: reminders endpoint missing", l.MDID, l.RemID)
				}
			}
		}
		fmt.Printf("  %d links (run %s, %s)\n", len(set.Links), set.Meta.RunID, set.Meta.Algorithm)
	}

	fmt.Println("locks:")
	entries, _ := os.ReadDir(cfg.StateDir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".lock") {
			path := filepath.Join(cfg.StateDir, e.Name())
			if lock, err := safeio.AcquireLock(strings.TrimSuffix(path, ".lock"), 0); err != nil {
				report("%s is held by another process", e.Name())
			} else {
				lock.Release()
			}
		}
	}

	fmt.Println("cache:")
	if cache, err := vault.OpenCache(filepath.Join(cfg.StateDir, "cache.db")); err != nil {
		report("cache unreadable: %v", err)
	} else {
		rows, bytes, statErr := cache.Stats(context.Background())
		cache.Close()
		if statErr != nil {
			report("cache stats: %v", statErr)
		} else {
			fmt.Printf("  %d cached files, %d bytes\n", rows, bytes)
		}
	}

	if findings == 0 {
		fmt.Println("no problems found")
	}
	return nil
}

// runStripAnchors removes block anchors that no current link references.
func runStripAnchors(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	apply, _ := cmd.Flags().GetBool("apply")

	set, err := links.Load(filepath.Join(cfg.StateDir, "links.json"))
	if err != nil {
		return err
	}
	referenced := make(map[string]bool, len(set.Links))
	for _, l := range set.Links {
		referenced[l.MDID] = true
	}

	stripped := 0
	for _, v := range cfg.Vaults {
		err := filepath.WalkDir(v.Path, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || filepath.Ext(path) != ".md" {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			doc, extracted := taskline.ParseDocument(strings.ToValidUTF8(string(data), "�"))
			changed := false
			for _, e := range extracted {
				anchor := e.Line.Anchor()
				if anchor == "" || referenced[v.Name+":"+anchor] {
					continue
				}
				fmt.Printf("%s:%d: unreferenced anchor ^%s\n", path, e.Number, anchor)
				stripped++
				if apply {
					rebuilt, ok := taskline.Parse(strings.Replace(doc.Line(e.Number), " ^"+anchor, "", 1))
					if ok {
						doc.Replace(e.Number, rebuilt.Render())
						changed = true
					}
				}
			}
			if apply && changed {
				return safeio.WriteAtomic(path, []byte(doc.Render()), 0o644)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if !apply && stripped > 0 {
		fmt.Printf("%d unreferenced anchors; rerun with --apply to strip them\n", stripped)
	}
	return nil
}
