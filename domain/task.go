package domain

import (
	"sort"
	"strings"
	"time"
)

// Column identifies the board lane a task lives in.
type Column string

const (
	ColumnTodo       Column = "TODO"
	ColumnInProgress Column = "IN_PROGRESS"
	ColumnDone       Column = "DONE"
)

// Columns lists the board lanes in display order.
var Columns = []Column{ColumnTodo, ColumnInProgress, ColumnDone}

// Valid reports whether c is one of the known lanes.
func (c Column) Valid() bool {
	switch c {
	case ColumnTodo, ColumnInProgress, ColumnDone:
		return true
	}
	return false
}

func (c Column) index() int {
	for i, col := range Columns {
		if col == c {
			return i
		}
	}
	return len(Columns)
}

// TempIDPrefix marks identifiers minted by clients for optimistic records.
const TempIDPrefix = "temp-"

// Task represents a single board item.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	Column      Column    `json:"column"`
	Position    float64   `json:"position"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// IsTemporary reports whether the task is a client-side optimistic copy.
func (t Task) IsTemporary() bool {
	return IsTempID(t.ID)
}

// IsTempID reports whether id was generated locally by a client.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// TaskPatch carries the fields a conditional update replaces. Nil fields are
// left untouched. The store bumps the version itself.
type TaskPatch struct {
	Title       *string
	Description *string
	Column      *Column
	Position    *float64
	UpdatedAt   time.Time
}

// Apply returns t with the patch applied and the version advanced by one.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		d := *p.Description
		t.Description = &d
	}
	if p.Column != nil {
		t.Column = *p.Column
	}
	if p.Position != nil {
		t.Position = *p.Position
	}
	if !p.UpdatedAt.IsZero() {
		t.UpdatedAt = p.UpdatedAt
	}
	t.Version++
	return t
}

// LessInColumn orders two tasks of the same column: by position, then id.
func LessInColumn(a, b Task) bool {
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.ID < b.ID
}

// SortTasks orders tasks by column lane, then position, then id.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Column != tasks[j].Column {
			return tasks[i].Column.index() < tasks[j].Column.index()
		}
		return LessInColumn(tasks[i], tasks[j])
	})
}

func StringPtr(s string) *string  { return &s }
func FloatPtr(f float64) *float64 { return &f }
func ColumnPtr(c Column) *Column  { return &c }
