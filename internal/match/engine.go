// Package match scores candidate pairs between the markdown and
// reminders populations and solves the one-to-one assignment under a
// minimum-score gate.
package match

import (
	"context"
	"log"
	"os"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/jra3/obsync/internal/dates"
	"github.com/jra3/obsync/internal/index"
	"github.com/jra3/obsync/internal/task"
)

var debugMatch = os.Getenv("OBSYNC_DEBUG_MATCH") != ""

// noDateBucket is the sentinel bucket for tasks without a due date.
const noDateBucket = "NO_DATE"

// hungarianLimit caps the population size for the optimal solver; larger
// inputs fall back to the greedy strategy.
const hungarianLimit = 400

const scoreBatchSize = 256

// AlgorithmHungarian and AlgorithmGreedy name the two assignment
// strategies. Both produce the same pairing on non-degenerate inputs.
const (
	AlgorithmHungarian = "hungarian"
	AlgorithmGreedy    = "greedy"
)

// Engine configures one matching pass.
type Engine struct {
	MinScore         float64
	DaysTolerance    int
	IncludeCompleted bool
	Algorithm        string // AlgorithmHungarian (default) or AlgorithmGreedy
}

// Pair is one accepted md/rem pairing with its affinity.
type Pair struct {
	MDID  string
	RemID string
	Score float64
}

// candidate is a scored pair prior to assignment.
type candidate struct {
	mdIdx, remIdx int
	score         float64
}

// Match computes the one-to-one pairing between the two indexes.
// AlgorithmUsed reports which strategy actually ran, since oversized
// populations demote hungarian to greedy.
func (e *Engine) Match(ctx context.Context, md, rem *index.Index) (pairs []Pair, algorithmUsed string, err error) {
	mdTasks := e.eligible(md)
	remTasks := e.eligible(rem)

	cands, err := e.scoreCandidates(ctx, mdTasks, remTasks)
	if err != nil {
		return nil, "", err
	}
	if debugMatch {
		log.Printf("[match] %d md × %d rem tasks, %d candidates above gate", len(mdTasks), len(remTasks), len(cands))
	}

	algorithm := e.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmHungarian
	}
	if algorithm == AlgorithmHungarian && (len(mdTasks) > hungarianLimit || len(remTasks) > hungarianLimit) {
		log.Printf("[match] population too large for optimal assignment (%d×%d), using greedy", len(mdTasks), len(remTasks))
		algorithm = AlgorithmGreedy
	}

	var accepted []candidate
	switch algorithm {
	case AlgorithmGreedy:
		accepted = assignGreedy(cands, len(mdTasks), len(remTasks), mdTasks, remTasks)
	default:
		accepted = assignHungarian(cands, len(mdTasks), len(remTasks))
	}

	for _, c := range accepted {
		pairs = append(pairs, Pair{
			MDID:  mdTasks[c.mdIdx].ID,
			RemID: remTasks[c.remIdx].ID,
			Score: c.score,
		})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Score != pairs[j].Score {
			return pairs[i].Score > pairs[j].Score
		}
		if pairs[i].MDID != pairs[j].MDID {
			return pairs[i].MDID < pairs[j].MDID
		}
		return pairs[i].RemID < pairs[j].RemID
	})
	return pairs, algorithm, nil
}

// eligible returns the index's tasks in deterministic order, excluding
// completed tasks unless configured otherwise.
func (e *Engine) eligible(ix *index.Index) []*task.Task {
	var tasks []*task.Task
	for _, id := range ix.IDs() {
		t := ix.Get(id)
		if !e.IncludeCompleted && t.Done() {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// scoreCandidates builds the date-bucket pruned candidate set and scores
// it in parallel batches. Only pairs at or above the gate survive.
func (e *Engine) scoreCandidates(ctx context.Context, mdTasks, remTasks []*task.Task) ([]candidate, error) {
	// bucket markdown tasks by canonical due date
	buckets := make(map[string][]int)
	for i, t := range mdTasks {
		key := noDateBucket
		if t.Due != "" {
			key = t.Due
		}
		buckets[key] = append(buckets[key], i)
	}

	// enumerate candidate pairs per reminders task
	var all []candidate
	for j, rt := range remTasks {
		for _, i := range e.candidateBuckets(buckets, rt.Due) {
			all = append(all, candidate{mdIdx: i, remIdx: j})
		}
	}

	// warm the token caches before fanning out; scoring then only reads
	for _, t := range mdTasks {
		t.Tokens(Tokenize)
	}
	for _, t := range remTasks {
		t.Tokens(Tokenize)
	}

	// score in batches; each batch touches a disjoint slice segment
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for start := 0; start < len(all); start += scoreBatchSize {
		end := min(start+scoreBatchSize, len(all))
		batch := all[start:end]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for k := range batch {
				batch[k].score = Score(mdTasks[batch[k].mdIdx], remTasks[batch[k].remIdx], e.DaysTolerance)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var gated []candidate
	for _, c := range all {
		if c.score >= e.MinScore {
			gated = append(gated, c)
		}
	}
	return gated, nil
}

// candidateBuckets returns the markdown indexes a reminders task with
// the given due date should consider: the date window plus the no-date
// bucket, or every bucket when the reminders task has no date.
func (e *Engine) candidateBuckets(buckets map[string][]int, due string) []int {
	if due == "" {
		var idxs []int
		for _, b := range buckets {
			idxs = append(idxs, b...)
		}
		sort.Ints(idxs)
		return idxs
	}

	var idxs []int
	for delta := -e.DaysTolerance; delta <= e.DaysTolerance; delta++ {
		d, err := dates.AddDays(due, delta)
		if err != nil {
			continue
		}
		idxs = append(idxs, buckets[d]...)
	}
	idxs = append(idxs, buckets[noDateBucket]...)
	sort.Ints(idxs)
	return idxs
}

// assignGreedy sorts candidates by descending score with the total
// (score, md_id, rem_id) tie-break and accepts pairs whose endpoints are
// both free.
func assignGreedy(cands []candidate, nMD, nRem int, mdTasks, remTasks []*task.Task) []candidate {
	sorted := append([]candidate(nil), cands...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].score != sorted[j].score {
			return sorted[i].score > sorted[j].score
		}
		a, b := sorted[i], sorted[j]
		if mdTasks[a.mdIdx].ID != mdTasks[b.mdIdx].ID {
			return mdTasks[a.mdIdx].ID < mdTasks[b.mdIdx].ID
		}
		return remTasks[a.remIdx].ID < remTasks[b.remIdx].ID
	})

	mdUsed := make([]bool, nMD)
	remUsed := make([]bool, nRem)
	var accepted []candidate
	for _, c := range sorted {
		if mdUsed[c.mdIdx] || remUsed[c.remIdx] {
			continue
		}
		mdUsed[c.mdIdx] = true
		remUsed[c.remIdx] = true
		accepted = append(accepted, c)
	}
	return accepted
}

// assignHungarian runs the optimal solver on the cost matrix 1−score,
// padding to square with a prohibitive cost, then drops padded and
// below-gate assignments.
func assignHungarian(cands []candidate, nMD, nRem int) []candidate {
	if len(cands) == 0 {
		return nil
	}

	const forbidden = 1e6

	n := max(nMD, nRem)
	cost := make([][]float64, n)
	for i := range cost {
		cost[i] = make([]float64, n)
		for j := range cost[i] {
			cost[i][j] = forbidden
		}
	}
	scores := make(map[[2]int]float64, len(cands))
	for _, c := range cands {
		cost[c.mdIdx][c.remIdx] = 1 - c.score
		scores[[2]int{c.mdIdx, c.remIdx}] = c.score
	}

	rowAssign := hungarian(cost)

	var accepted []candidate
	for i, j := range rowAssign {
		if i >= nMD || j >= nRem {
			continue
		}
		score, ok := scores[[2]int{i, j}]
		if !ok {
			continue
		}
		accepted = append(accepted, candidate{mdIdx: i, remIdx: j, score: score})
	}
	return accepted
}
