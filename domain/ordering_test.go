package domain

import "testing"

func TestBetweenWithoutNeighbors(t *testing.T) {
	if got := Between(nil, nil); got != 1000 {
		t.Fatalf("expected 1000, got %v", got)
	}
}

func TestAllocatorInequalities(t *testing.T) {
	for _, p := range []float64{0.001, 1, 999.5, 1000, 2500, 1e9} {
		if a := After(p); !(a > p) {
			t.Fatalf("After(%v) = %v, expected greater", p, a)
		}
		if b := Before(p); !(b < p) {
			t.Fatalf("Before(%v) = %v, expected smaller", p, b)
		}
		if b := Before(p); b <= 0 {
			t.Fatalf("Before(%v) = %v, expected positive", p, b)
		}
	}
	pairs := [][2]float64{{1000, 2000}, {1, 1.5}, {0.25, 0.5}, {1000, 1000.001}}
	for _, pr := range pairs {
		m := Between(FloatPtr(pr[0]), FloatPtr(pr[1]))
		if !(pr[0] < m && m < pr[1]) {
			t.Fatalf("Between(%v, %v) = %v not strictly inside", pr[0], pr[1], m)
		}
	}
}

func TestBetweenOneSided(t *testing.T) {
	if got := Between(FloatPtr(3000), nil); got != 4000 {
		t.Fatalf("expected 4000 after 3000, got %v", got)
	}
	if got := Between(nil, FloatPtr(1000)); got != 500 {
		t.Fatalf("expected 500 before 1000, got %v", got)
	}
	if got := Before(0); got != -1000 {
		t.Fatalf("expected -1000 before 0, got %v", got)
	}
}

func TestRepeatedMidpointEventuallyNeedsRenormalize(t *testing.T) {
	lo, hi := 1000.0, 2000.0
	for i := 0; i < 200; i++ {
		mid := Between(&lo, &hi)
		if NeedsRenormalize(&lo, mid, &hi) {
			return
		}
		hi = mid
	}
	t.Fatalf("positions never converged below the minimum gap")
}

func TestNeedsRenormalize(t *testing.T) {
	if NeedsRenormalize(FloatPtr(1000), 1500, FloatPtr(2000)) {
		t.Fatalf("wide gap should not need renormalize")
	}
	if !NeedsRenormalize(FloatPtr(1), 1+1e-9, nil) {
		t.Fatalf("tiny gap to prev should need renormalize")
	}
	if !NeedsRenormalize(nil, 5, FloatPtr(5)) {
		t.Fatalf("collision with next should need renormalize")
	}
	if NeedsRenormalize(nil, 500, nil) {
		t.Fatalf("no neighbors never needs renormalize")
	}
}

func TestRenormalizeKeepsOrderAndSkipsSettled(t *testing.T) {
	tasks := []Task{
		{ID: "c", Position: 1000.0000001},
		{ID: "a", Position: 1000},
		{ID: "b", Position: 1000},
		{ID: "d", Position: 4000},
	}
	changes := Renormalize(tasks)
	want := map[string]float64{"b": 2000, "c": 3000}
	if len(changes) != len(want) {
		t.Fatalf("expected %d changes, got %+v", len(want), changes)
	}
	for _, ch := range changes {
		if want[ch.Task.ID] != ch.Position {
			t.Fatalf("task %s: expected %v, got %v", ch.Task.ID, want[ch.Task.ID], ch.Position)
		}
	}
	if tasks[0].ID != "c" {
		t.Fatalf("input slice must not be reordered")
	}
}

func TestSortTasksTieBreak(t *testing.T) {
	tasks := []Task{
		{ID: "z", Column: ColumnDone, Position: 1},
		{ID: "b", Column: ColumnTodo, Position: 1000},
		{ID: "a", Column: ColumnTodo, Position: 1000},
		{ID: "m", Column: ColumnInProgress, Position: 5},
	}
	SortTasks(tasks)
	got := ""
	for _, tk := range tasks {
		got += tk.ID
	}
	if got != "abmz" {
		t.Fatalf("unexpected order %q", got)
	}
}

func TestRenormalizeAroundLeavesSlot(t *testing.T) {
	siblings := []Task{
		{ID: "b", Position: 1000 + 1e-9},
		{ID: "a", Position: 1000},
		{ID: "c", Position: 4000},
	}
	slot, changes := RenormalizeAround(siblings, 1)
	if slot != 2000 {
		t.Fatalf("slot = %v, want 2000", slot)
	}
	if len(changes) != 1 || changes[0].Task.ID != "b" || changes[0].Position != 3000 {
		t.Fatalf("unexpected changes %+v", changes)
	}

	slot, changes = RenormalizeAround(siblings, 0)
	if slot != 1000 || len(changes) != 2 || changes[0].Task.ID != "a" || changes[0].Position != 2000 {
		t.Fatalf("unexpected plan at head: slot=%v changes=%+v", slot, changes)
	}

	if slot, _ := RenormalizeAround(siblings, 99); slot != 4000 {
		t.Fatalf("out of range index should append, got %v", slot)
	}
}

func TestInsertIndex(t *testing.T) {
	siblings := []Task{{ID: "a", Position: 1000}, {ID: "b", Position: 1000}, {ID: "c", Position: 2000}}
	cases := []struct {
		name       string
		prev, next *float64
		want       int
	}{
		{"after equal positions", FloatPtr(1000), FloatPtr(1000), 2},
		{"between", FloatPtr(1000), FloatPtr(2000), 2},
		{"head", nil, FloatPtr(1000), 0},
		{"before last", nil, FloatPtr(2000), 2},
		{"end", nil, nil, 3},
	}
	for _, tc := range cases {
		if got := InsertIndex(siblings, tc.prev, tc.next); got != tc.want {
			t.Fatalf("%s: InsertIndex = %d, want %d", tc.name, got, tc.want)
		}
	}
}
