// Package sync orchestrates one reconcile run: index both sides,
// rebuild the link set, plan and apply field updates, create missing
// counterparts, retire duplicates, and persist every artifact.
//
// Stages run sequentially; markdown indexing and match scoring fan out
// internally. The run is cancellable between stages and between
// per-link operations.
package sync

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/jra3/obsync/internal/changeset"
	"github.com/jra3/obsync/internal/config"
	"github.com/jra3/obsync/internal/counterpart"
	"github.com/jra3/obsync/internal/dedupe"
	"github.com/jra3/obsync/internal/gateway"
	"github.com/jra3/obsync/internal/index"
	"github.com/jra3/obsync/internal/links"
	"github.com/jra3/obsync/internal/match"
	"github.com/jra3/obsync/internal/reconcile"
	"github.com/jra3/obsync/internal/reminders"
	"github.com/jra3/obsync/internal/safeio"
	"github.com/jra3/obsync/internal/vault"
)

// Run dispositions.
const (
	DispositionClean   = "clean"
	DispositionPartial = "partial"
	DispositionFailed  = "failed"
)

// Options tune one run.
type Options struct {
	DryRun    bool
	Direction counterpart.Direction // creation directions; zero disables creation
	Algorithm string                // match algorithm; defaults to hungarian
}

// Result aggregates one run.
type Result struct {
	RunID       string
	Disposition string

	MDTasks      int
	RemTasks     int
	Links        int
	RetiredLinks int

	Plan *reconcile.Plan

	Applied int
	Failed  int
	Skipped int

	CreatedReminders int
	CreatedMarkdown  int

	RetiredMarkdown  int
	RetiredReminders int

	Errors []reconcile.FieldError
}

// Runner wires the pipeline stages together.
type Runner struct {
	Config *config.Config
	GW     gateway.Gateway
	Cache  *vault.Cache // nil disables the parse cache
	Now    func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Paths of the persisted artifacts.
func (r *Runner) mdIndexPath() string   { return filepath.Join(r.Config.StateDir, "md_index.json") }
func (r *Runner) remIndexPath() string  { return filepath.Join(r.Config.StateDir, "rem_index.json") }
func (r *Runner) linksPath() string     { return filepath.Join(r.Config.StateDir, "links.json") }
func (r *Runner) changesetPath() string { return filepath.Join(r.Config.StateDir, "changeset.json") }

func (r *Runner) vaultPaths() map[string]string {
	paths := make(map[string]string, len(r.Config.Vaults))
	for _, v := range r.Config.Vaults {
		paths[v.Name] = v.Path
	}
	return paths
}

func (r *Runner) destinationPolicy() counterpart.DestinationPolicy {
	if r.Config.CreationPolicy == "inbox" {
		return counterpart.InboxPolicy(r.Config.InboxFile)
	}
	return counterpart.DailyNotePolicy(r.Config.DailyDir)
}

// Run executes the pipeline. Dry runs stop after planning and persist
// nothing.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	runID := safeio.NewRunID()
	res := &Result{RunID: runID, Disposition: DispositionClean}
	cfg := r.Config

	// prior indexes seed first-seen timestamps and failed-list handling
	priorMD, _ := index.Load(r.mdIndexPath())
	priorRem, _ := index.Load(r.remIndexPath())

	// stage: markdown index
	mdIndexer := vault.NewIndexer(r.Cache, cfg.Ignore)
	mdIndexer.SetClock(r.now)
	md, err := mdIndexer.IndexVaults(ctx, cfg.Vaults, runID, priorMD)
	if err != nil {
		res.Disposition = DispositionFailed
		return res, fmt.Errorf("markdown indexing: %w", err)
	}
	res.MDTasks = len(md.Tasks)

	if err := ctx.Err(); err != nil {
		return res, err
	}

	// stage: reminders index
	remIndexer := reminders.NewIndexer(r.GW)
	remIndexer.SetClock(r.now)
	rem, err := remIndexer.IndexLists(ctx, cfg.ListIDs(), runID, priorRem)
	if err != nil {
		res.Disposition = DispositionFailed
		return res, fmt.Errorf("reminders indexing: %w", err)
	}
	res.RemTasks = len(rem.Tasks)

	if err := ctx.Err(); err != nil {
		return res, err
	}

	// stage: link rebuild
	set, err := links.Load(r.linksPath())
	if err != nil {
		res.Disposition = DispositionFailed
		return res, fmt.Errorf("load links: %w", err)
	}
	if problems := set.Validate(); len(problems) > 0 {
		for _, p := range problems {
			log.Printf("[links] %s", p)
		}
	}
	retired := set.Retire(md, rem, priorRem)
	res.RetiredLinks = len(retired)

	engine := &match.Engine{
		MinScore:         cfg.MinScore,
		DaysTolerance:    cfg.DaysTolerance,
		IncludeCompleted: cfg.IncludeCompletedInMatching,
		Algorithm:        opts.Algorithm,
	}
	pairs, algorithmUsed, err := engine.Match(ctx, md, rem)
	if err != nil {
		res.Disposition = DispositionFailed
		return res, fmt.Errorf("matching: %w", err)
	}
	eligible := func(mdID, remID string) bool {
		mt, rt := md.Get(mdID), rem.Get(remID)
		if mt == nil || rt == nil {
			return false
		}
		if cfg.IncludeCompletedInMatching {
			return true
		}
		return !mt.Done() && !rt.Done()
	}
	set.Rebuild(pairs, eligible, r.now().UTC())
	res.Links = len(set.Links)

	// stage: plan
	plan := reconcile.BuildPlan(md, rem, set)
	res.Plan = plan

	if opts.DryRun {
		log.Printf("[sync] dry run: %d planned updates across %d links", len(plan.Updates), len(set.Links))
		return res, nil
	}

	cs := changeset.New(runID)

	// stage: apply
	applier := &reconcile.Applier{
		GW:         r.GW,
		VaultPaths: r.vaultPaths(),
		BackupDir:  filepath.Join(cfg.StateDir, "backups", runID),
		Now:        r.Now,
	}
	applyRes, err := applier.Apply(ctx, plan, md, rem, set, cs)
	if applyRes != nil {
		res.Applied = applyRes.Applied
		res.Failed = applyRes.Failed
		res.Errors = applyRes.Errors
	}
	if err != nil {
		return r.finish(res, set, md, rem, cs, algorithmUsed, err)
	}

	// stage: counterpart creation
	creator := &counterpart.Creator{
		GW:           r.GW,
		Direction:    opts.Direction,
		AgeDays:      cfg.CreationAgeDays,
		TargetList:   cfg.DefaultCreationList,
		TargetVault:  cfg.DefaultCreationVault,
		VaultPaths:   r.vaultPaths(),
		Destination:  r.destinationPolicy(),
		WriteAnchors: cfg.WriteAnchors,
		Now:          r.Now,
	}
	creator.Caps.MdToRem = cfg.CreationCaps.MdToRem
	creator.Caps.RemToMd = cfg.CreationCaps.RemToMd
	createRes, err := creator.Run(ctx, md, rem, set, cs)
	if createRes != nil {
		res.CreatedReminders = createRes.CreatedReminders
		res.CreatedMarkdown = createRes.CreatedMarkdown
		res.Failed += createRes.Failed
		res.Skipped += createRes.Skipped
	}
	if err != nil {
		return r.finish(res, set, md, rem, cs, algorithmUsed, err)
	}

	// stage: duplicate retirement
	detector := &dedupe.Detector{GW: r.GW, VaultPaths: r.vaultPaths()}
	dedupeRes, err := detector.Run(ctx, md, rem, set, cs)
	if dedupeRes != nil {
		res.RetiredMarkdown = dedupeRes.RetiredMarkdown
		res.RetiredReminders = dedupeRes.RetiredReminders
		res.Failed += dedupeRes.Failed
		res.Skipped += dedupeRes.Skipped
	}
	if err != nil {
		return r.finish(res, set, md, rem, cs, algorithmUsed, err)
	}

	return r.finish(res, set, md, rem, cs, algorithmUsed, nil)
}

// finish persists every artifact and settles the disposition. Artifact
// persistence failure is catastrophic; everything else degrades.
func (r *Runner) finish(res *Result, set *links.Set, md, rem *index.Index, cs *changeset.Changeset, algorithm string, runErr error) (*Result, error) {
	cfg := r.Config
	res.Links = len(set.Links)

	if err := md.Save(r.mdIndexPath(), cfg.LockTimeout); err != nil {
		res.Disposition = DispositionFailed
		return res, fmt.Errorf("persist markdown index: %w", err)
	}
	if err := rem.Save(r.remIndexPath(), cfg.LockTimeout); err != nil {
		res.Disposition = DispositionFailed
		return res, fmt.Errorf("persist reminders index: %w", err)
	}
	if err := set.Save(r.linksPath(), res.RunID, algorithm, cfg.MinScore, cfg.LockTimeout); err != nil {
		res.Disposition = DispositionFailed
		return res, fmt.Errorf("persist links: %w", err)
	}
	if err := cs.Save(r.changesetPath(), cfg.LockTimeout); err != nil {
		res.Disposition = DispositionFailed
		return res, fmt.Errorf("persist changeset: %w", err)
	}

	switch {
	case runErr != nil:
		res.Disposition = DispositionFailed
		return res, runErr
	case res.Failed > 0:
		res.Disposition = DispositionPartial
	default:
		res.Disposition = DispositionClean
	}

	log.Printf("[sync] run %s: %d md, %d rem, %d links, applied=%d failed=%d created=%d+%d retired=%d+%d",
		res.RunID, res.MDTasks, res.RemTasks, res.Links,
		res.Applied, res.Failed,
		res.CreatedReminders, res.CreatedMarkdown,
		res.RetiredReminders, res.RetiredMarkdown)
	return res, nil
}
