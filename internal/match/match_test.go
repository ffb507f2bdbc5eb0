package match

import (
	"context"
	"reflect"
	"testing"

	"github.com/jra3/obsync/internal/index"
	"github.com/jra3/obsync/internal/task"
)

func TestTokenize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		title string
		want  []string
	}{
		{name: "lowercase and punctuation", title: "Buy Groceries, Now!", want: []string{"buy", "groceries", "now"}},
		{name: "stop words filtered", title: "go to the store for milk", want: []string{"go", "store", "milk"}},
		{name: "numbers kept", title: "Q2 2024 review", want: []string{"q2", "2024", "review"}},
		{name: "empty", title: "", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.title)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tokenize(%q) = %v, want %v", tt.title, got, tt.want)
			}
		})
	}
}

func TestDiceCoefficient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{name: "identical", a: []string{"buy", "milk"}, b: []string{"buy", "milk"}, want: 1},
		{name: "disjoint", a: []string{"buy", "milk"}, b: []string{"call", "alice"}, want: 0},
		{name: "partial", a: []string{"buy", "groceries"}, b: []string{"buy", "groceries", "today"}, want: 0.8},
		{name: "multiset counts", a: []string{"x", "x"}, b: []string{"x"}, want: 2.0 / 3.0},
		{name: "both empty", a: nil, b: nil, want: 1},
		{name: "one empty", a: []string{"x"}, b: nil, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DiceCoefficient(tt.a, tt.b); !closeTo(got, tt.want) {
				t.Errorf("Dice(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func closeTo(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

func mdTask(id, title, due string, st task.Status) *task.Task {
	return &task.Task{ID: id, Origin: task.OriginMarkdown, Title: title, Due: due, Status: st}
}

func remTask(id, title, due string, st task.Status) *task.Task {
	return &task.Task{ID: id, Origin: task.OriginReminders, Title: title, Due: due, Status: st}
}

func TestScoreScenarioSimpleLink(t *testing.T) {
	t.Parallel()

	md := mdTask("md-1", "Buy groceries", "2023-12-15", task.StatusTodo)
	rem := remTask("rem-1", "Buy groceries today", "2023-12-15", task.StatusTodo)

	got := Score(md, rem, 1)
	// title dice 0.8, dates equal 1.0, status equal 1.0:
	// 0.65*0.8 + 0.25*1 + 0.10*1 = 0.87
	if !closeTo(got, 0.87) {
		t.Errorf("Score = %v, want 0.87", got)
	}
	if got < 0.75 {
		t.Error("scenario requires score ≥ 0.75")
	}
}

func TestScoreDateComponent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		a, b      string
		tolerance int
		want      float64
	}{
		{name: "equal", a: "2024-01-10", b: "2024-01-10", tolerance: 1, want: 1},
		{name: "one day off within tolerance", a: "2024-01-10", b: "2024-01-11", tolerance: 1, want: 0.5},
		{name: "outside tolerance", a: "2024-01-10", b: "2024-01-13", tolerance: 1, want: 0},
		{name: "both absent", a: "", b: "", tolerance: 1, want: 0.5},
		{name: "one absent", a: "2024-01-10", b: "", tolerance: 1, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dateComponent(tt.a, tt.b, tt.tolerance); !closeTo(got, tt.want) {
				t.Errorf("dateComponent(%q, %q, %d) = %v, want %v", tt.a, tt.b, tt.tolerance, got, tt.want)
			}
		})
	}
}

func buildIndexes(md, rem []*task.Task) (*index.Index, *index.Index) {
	mdIx := index.New("run")
	for _, t := range md {
		mdIx.Add(t)
	}
	remIx := index.New("run")
	for _, t := range rem {
		remIx.Add(t)
	}
	return mdIx, remIx
}

func TestMatchFormsExpectedLink(t *testing.T) {
	t.Parallel()

	mdIx, remIx := buildIndexes(
		[]*task.Task{
			mdTask("md-1", "Buy groceries", "2023-12-15", task.StatusTodo),
			mdTask("md-2", "Totally unrelated thing", "", task.StatusTodo),
		},
		[]*task.Task{
			remTask("rem-1", "Buy groceries today", "2023-12-15", task.StatusTodo),
		},
	)

	e := &Engine{MinScore: 0.6, DaysTolerance: 1}
	pairs, algo, err := e.Match(context.Background(), mdIx, remIx)
	if err != nil {
		t.Fatal(err)
	}
	if algo != AlgorithmHungarian {
		t.Errorf("algorithm = %q", algo)
	}
	if len(pairs) != 1 {
		t.Fatalf("pairs = %+v, want exactly one", pairs)
	}
	if pairs[0].MDID != "md-1" || pairs[0].RemID != "rem-1" {
		t.Errorf("pair = %+v", pairs[0])
	}
	if pairs[0].Score < 0.75 {
		t.Errorf("score = %v, want ≥ 0.75", pairs[0].Score)
	}
}

func TestMatchGateExcludesWeakPairs(t *testing.T) {
	t.Parallel()

	mdIx, remIx := buildIndexes(
		[]*task.Task{mdTask("md-1", "Water the plants", "", task.StatusTodo)},
		[]*task.Task{remTask("rem-1", "File tax return", "", task.StatusTodo)},
	)

	e := &Engine{MinScore: 0.75, DaysTolerance: 1}
	pairs, _, err := e.Match(context.Background(), mdIx, remIx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 0 {
		t.Errorf("pairs = %+v, want none below the gate", pairs)
	}
}

func TestMatchExcludesCompletedByDefault(t *testing.T) {
	t.Parallel()

	mdIx, remIx := buildIndexes(
		[]*task.Task{mdTask("md-1", "Buy groceries", "2023-12-15", task.StatusDone)},
		[]*task.Task{remTask("rem-1", "Buy groceries", "2023-12-15", task.StatusDone)},
	)

	e := &Engine{MinScore: 0.6, DaysTolerance: 1}
	pairs, _, err := e.Match(context.Background(), mdIx, remIx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 0 {
		t.Errorf("completed tasks matched: %+v", pairs)
	}

	e.IncludeCompleted = true
	pairs, _, err = e.Match(context.Background(), mdIx, remIx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 {
		t.Errorf("IncludeCompleted pairs = %+v, want one", pairs)
	}
}

func TestMatchDateWindowPruning(t *testing.T) {
	t.Parallel()

	// identical titles but far-apart dates: the candidate never forms
	mdIx, remIx := buildIndexes(
		[]*task.Task{mdTask("md-1", "Pay invoice", "2024-01-01", task.StatusTodo)},
		[]*task.Task{remTask("rem-1", "Pay invoice", "2024-03-01", task.StatusTodo)},
	)

	e := &Engine{MinScore: 0.6, DaysTolerance: 1}
	pairs, _, err := e.Match(context.Background(), mdIx, remIx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 0 {
		t.Errorf("pairs = %+v, want none outside the window", pairs)
	}
}

func TestMatchHungarianAndGreedyAgree(t *testing.T) {
	t.Parallel()

	md := []*task.Task{
		mdTask("md-1", "Buy groceries", "2024-01-01", task.StatusTodo),
		mdTask("md-2", "Buy groceries and bread", "2024-01-01", task.StatusTodo),
		mdTask("md-3", "Call the bank", "", task.StatusTodo),
	}
	rem := []*task.Task{
		remTask("rem-1", "Buy groceries", "2024-01-01", task.StatusTodo),
		remTask("rem-2", "Buy groceries and bread today", "2024-01-01", task.StatusTodo),
		remTask("rem-3", "Call bank", "", task.StatusTodo),
	}

	mdIx1, remIx1 := buildIndexes(md, rem)
	hung := &Engine{MinScore: 0.5, DaysTolerance: 1, Algorithm: AlgorithmHungarian}
	hp, _, err := hung.Match(context.Background(), mdIx1, remIx1)
	if err != nil {
		t.Fatal(err)
	}

	// fresh tasks so token caches don't cross engines
	md2 := []*task.Task{
		mdTask("md-1", "Buy groceries", "2024-01-01", task.StatusTodo),
		mdTask("md-2", "Buy groceries and bread", "2024-01-01", task.StatusTodo),
		mdTask("md-3", "Call the bank", "", task.StatusTodo),
	}
	rem2 := []*task.Task{
		remTask("rem-1", "Buy groceries", "2024-01-01", task.StatusTodo),
		remTask("rem-2", "Buy groceries and bread today", "2024-01-01", task.StatusTodo),
		remTask("rem-3", "Call bank", "", task.StatusTodo),
	}
	mdIx2, remIx2 := buildIndexes(md2, rem2)
	greedy := &Engine{MinScore: 0.5, DaysTolerance: 1, Algorithm: AlgorithmGreedy}
	gp, _, err := greedy.Match(context.Background(), mdIx2, remIx2)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(pairKeys(hp), pairKeys(gp)) {
		t.Errorf("strategies disagree:\n  hungarian: %+v\n  greedy:    %+v", hp, gp)
	}
}

func TestMatchDeterministicAcrossRuns(t *testing.T) {
	t.Parallel()

	build := func() (*index.Index, *index.Index) {
		return buildIndexes(
			[]*task.Task{
				mdTask("md-a", "Same title", "", task.StatusTodo),
				mdTask("md-b", "Same title", "", task.StatusTodo),
			},
			[]*task.Task{
				remTask("rem-a", "Same title", "", task.StatusTodo),
				remTask("rem-b", "Same title", "", task.StatusTodo),
			},
		)
	}

	e := &Engine{MinScore: 0.5, DaysTolerance: 1, Algorithm: AlgorithmGreedy}
	var prev []Pair
	for run := 0; run < 5; run++ {
		mdIx, remIx := build()
		pairs, _, err := e.Match(context.Background(), mdIx, remIx)
		if err != nil {
			t.Fatal(err)
		}
		if prev != nil && !reflect.DeepEqual(pairs, prev) {
			t.Fatalf("run %d differs:\n  prev: %+v\n  cur:  %+v", run, pairs, prev)
		}
		prev = pairs
	}
	// deterministic tie-break: md-a pairs with rem-a
	if prev[0].MDID != "md-a" || prev[0].RemID != "rem-a" {
		t.Errorf("tie-break pairing = %+v", prev)
	}
}

func pairKeys(pairs []Pair) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.MDID] = p.RemID
	}
	return m
}

func TestHungarianSolvesSmallMatrix(t *testing.T) {
	t.Parallel()

	// the optimal assignment takes 3+4+3, beating greedy row minima
	cost := [][]float64{
		{1, 2, 3},
		{2, 4, 6},
		{3, 6, 9},
	}
	assign := hungarian(cost)
	total := 0.0
	for i, j := range assign {
		total += cost[i][j]
	}
	if total != 10 {
		t.Errorf("total cost = %v, want 10 (3+4+3)", total)
	}
}
