// Package vault walks markdown vaults and produces the markdown-side
// task index. Files parse independently, so the walk fans out per file;
// an optional SQLite cache skips files that have not changed since the
// last run.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jra3/obsync/internal/config"
	"github.com/jra3/obsync/internal/identity"
	"github.com/jra3/obsync/internal/index"
	"github.com/jra3/obsync/internal/task"
	"github.com/jra3/obsync/internal/taskline"
)

// Indexer builds the markdown task index.
type Indexer struct {
	cache  *Cache // nil disables caching
	ignore map[string]bool
	now    func() time.Time
}

// NewIndexer creates an indexer. cache may be nil.
func NewIndexer(cache *Cache, ignore []string) *Indexer {
	ig := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		ig[name] = true
	}
	return &Indexer{cache: cache, ignore: ig, now: time.Now}
}

// SetClock overrides the clock, for tests.
func (x *Indexer) SetClock(now func() time.Time) { x.now = now }

// fileResult is the parse outcome for one file, ordered by path before
// assembly so the index is deterministic.
type fileResult struct {
	vault string
	rel   string
	tasks []*task.Task
}

// IndexVaults walks every configured vault and assembles the markdown
// index. A vault whose root is missing degrades to a logged warning;
// other vaults proceed. prior supplies first-seen timestamps.
func (x *Indexer) IndexVaults(ctx context.Context, vaults []config.Vault, runID string, prior *index.Index) (*index.Index, error) {
	ix := index.New(runID)

	var results []fileResult
	for _, v := range vaults {
		if v.Path == "" {
			log.Printf("[index] vault %q has no path, skipping", v.Name)
			continue
		}
		if _, err := os.Stat(v.Path); err != nil {
			log.Printf("[index] vault %q root missing: %v", v.Name, err)
			continue
		}

		files, err := x.listFiles(v.Path)
		if err != nil {
			return nil, fmt.Errorf("walk vault %q: %w", v.Name, err)
		}

		vaultResults, err := x.parseFiles(ctx, v, files)
		if err != nil {
			return nil, err
		}
		results = append(results, vaultResults...)
		ix.Meta.SourceCount++
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].vault != results[j].vault {
			return results[i].vault < results[j].vault
		}
		return results[i].rel < results[j].rel
	})
	for _, r := range results {
		for _, t := range r.tasks {
			ix.Add(t)
		}
	}

	ix.CarryCreatedAt(prior, x.now().UTC())
	return ix, nil
}

// listFiles enumerates the .md files under root, skipping hidden and
// ignored directories. Returned paths are relative, sorted.
func (x *Indexer) listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || x.ignore[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(d.Name()) != ".md" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// parseFiles fans out per file. Each file is independent; errors on a
// single file degrade to a warning rather than failing the vault.
func (x *Indexer) parseFiles(ctx context.Context, v config.Vault, files []string) ([]fileResult, error) {
	results := make([]fileResult, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, rel := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			tasks, err := x.parseFile(ctx, v, rel)
			if err != nil {
				log.Printf("[index] %s/%s: %v", v.Name, rel, err)
				return nil
			}
			results[i] = fileResult{vault: v.Name, rel: rel, tasks: tasks}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []fileResult
	for _, r := range results {
		if r.vault != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

// parseFile extracts the tasks of one file, consulting the cache first.
func (x *Indexer) parseFile(ctx context.Context, v config.Vault, rel string) ([]*task.Task, error) {
	abs := filepath.Join(v.Path, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	size := info.Size()
	mtimeNs := info.ModTime().UnixNano()

	if x.cache != nil {
		if tasks, _, ok := x.cache.Get(ctx, abs, size, mtimeNs, ""); ok {
			return tasks, nil
		}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	// decode errors are replaced, never fatal
	content := strings.ToValidUTF8(string(data), "�")
	hash := contentHash(content)

	if x.cache != nil {
		if tasks, _, ok := x.cache.Get(ctx, abs, size, mtimeNs, hash); ok {
			return tasks, nil
		}
	}

	tasks := ExtractTasks(v.Name, rel, content, info.ModTime().UTC())

	if x.cache != nil {
		if err := x.cache.Put(ctx, abs, size, mtimeNs, hash, tasks); err != nil {
			log.Printf("[index] cache store %s: %v", abs, err)
		}
	}
	return tasks, nil
}

// ExtractTasks parses content into task records with stable identifiers.
// Line numbers do not participate in identity, only in location.
func ExtractTasks(vaultName, rel, content string, modTime time.Time) []*task.Task {
	_, extracted := taskline.ParseDocument(content)
	counter := identity.NewCounter()

	var tasks []*task.Task
	for _, e := range extracted {
		f := e.Line.Fields()
		digest := task.Digest(f.Title, f.Due, f.Status, f.Tags)

		var id string
		if f.Anchor != "" {
			id = identity.ForAnchor(vaultName, f.Anchor)
		} else {
			id = identity.ForMarkdown(vaultName, rel, digest, counter.Next(vaultName, rel, digest))
		}

		tasks = append(tasks, &task.Task{
			ID:            id,
			Origin:        task.OriginMarkdown,
			Title:         f.Title,
			Status:        f.Status,
			Due:           f.Due,
			Scheduled:     f.Scheduled,
			Start:         f.Start,
			DoneOn:        f.DoneOn,
			Priority:      f.Priority,
			Recurrence:    f.Recurrence,
			Tags:          f.Tags,
			Location:      task.Location{Vault: vaultName, File: rel, Line: e.Number},
			ContentDigest: digest,
			ModifiedAt:    modTime,
		})
	}
	return tasks
}

func contentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}
