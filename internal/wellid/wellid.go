// Package wellid parses and formats 96-well-plate coordinates.
//
// A WellId is the pair (row, column) addressed in canonical form as the
// concatenation of the row letter and the 1-based column number, e.g. "A1"
// or "H12". Row A is the origin; column 1 is the origin.
package wellid

import (
	"fmt"
	"strconv"
)

const (
	// MinRow and MaxRow bound the plate's row letters, A through H.
	MinRow = 'A'
	MaxRow = 'H'
	// MinColumn and MaxColumn bound the plate's column numbers, 1 through 12.
	MinColumn = 1
	MaxColumn = 12
)

// WellId identifies a single reservoir on the plate.
type WellId struct {
	Row    byte // 'A'..'H'
	Column int  // 1..12
}

// New builds a WellId, rejecting row/column values outside the plate grid.
func New(row byte, column int) (WellId, error) {
	w := WellId{Row: row, Column: column}
	if err := w.Validate(); err != nil {
		return WellId{}, err
	}
	return w, nil
}

// Validate reports whether w addresses a real well on the grid.
func (w WellId) Validate() error {
	if w.Row < MinRow || w.Row > MaxRow {
		return fmt.Errorf("wellid: row %q out of range %c..%c", w.Row, MinRow, MaxRow)
	}
	if w.Column < MinColumn || w.Column > MaxColumn {
		return fmt.Errorf("wellid: column %d out of range %d..%d", w.Column, MinColumn, MaxColumn)
	}
	return nil
}

// RowIndex returns the 0-based row index (A=0 .. H=7).
func (w WellId) RowIndex() int {
	return int(w.Row - MinRow)
}

// ColumnIndex returns the 0-based column index (1=0 .. 12=11).
func (w WellId) ColumnIndex() int {
	return w.Column - MinColumn
}

// String renders the canonical form, e.g. "A1", "H12".
func (w WellId) String() string {
	return fmt.Sprintf("%c%d", w.Row, w.Column)
}

// Parse reads the canonical form produced by String, rejecting anything else
// at the boundary (spec: "Invalid identifiers are rejected at the boundary").
func Parse(s string) (WellId, error) {
	if len(s) < 2 || len(s) > 3 {
		return WellId{}, fmt.Errorf("wellid: invalid identifier %q", s)
	}
	row := s[0]
	col, err := strconv.Atoi(s[1:])
	if err != nil {
		return WellId{}, fmt.Errorf("wellid: invalid column in %q: %w", s, err)
	}
	return New(row, col)
}

// Neighbors3 returns the {col-1, col, col+1} triple addressed by a 3-tuple
// pipette head centered on w, or an error if either edge falls off the grid
// (spec.md §4.5: "If column-1 < 1 or column+1 > 12, the step fails
// InvalidGeometry before any motion").
func (w WellId) Neighbors3() (left, center, right WellId, err error) {
	if w.Column-1 < MinColumn || w.Column+1 > MaxColumn {
		return WellId{}, WellId{}, WellId{}, fmt.Errorf("wellid: column %d has no 3-tuple neighborhood", w.Column)
	}
	left = WellId{Row: w.Row, Column: w.Column - 1}
	center = w
	right = WellId{Row: w.Row, Column: w.Column + 1}
	return left, center, right, nil
}
