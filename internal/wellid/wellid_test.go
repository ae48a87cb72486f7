package wellid

import "testing"

func TestParseAndString(t *testing.T) {
	cases := []string{"A1", "H12", "D7", "A12", "H1"}
	for _, s := range cases {
		w, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := w.String(); got != s {
			t.Errorf("round trip: Parse(%q).String() = %q", s, got)
		}
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []string{"", "I1", "A0", "A13", "Z5", "1A", "AA1"}
	for _, s := range cases {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", s)
		}
	}
}

func TestNeighbors3(t *testing.T) {
	w, _ := New('B', 6)
	left, center, right, err := w.Neighbors3()
	if err != nil {
		t.Fatalf("Neighbors3: %v", err)
	}
	if left.Column != 5 || center.Column != 6 || right.Column != 7 {
		t.Errorf("Neighbors3: got %v %v %v", left, center, right)
	}
}

func TestNeighbors3RejectsEdges(t *testing.T) {
	left, _ := New('A', 1)
	if _, _, _, err := left.Neighbors3(); err == nil {
		t.Error("Neighbors3 on column 1: expected InvalidGeometry, got nil")
	}
	right, _ := New('A', 12)
	if _, _, _, err := right.Neighbors3(); err == nil {
		t.Error("Neighbors3 on column 12: expected InvalidGeometry, got nil")
	}
}

func TestRowColumnIndex(t *testing.T) {
	w, _ := New('A', 1)
	if w.RowIndex() != 0 || w.ColumnIndex() != 0 {
		t.Errorf("A1 should be origin, got row=%d col=%d", w.RowIndex(), w.ColumnIndex())
	}
	w2, _ := New('H', 12)
	if w2.RowIndex() != 7 || w2.ColumnIndex() != 11 {
		t.Errorf("H12 should be (7,11), got row=%d col=%d", w2.RowIndex(), w2.ColumnIndex())
	}
}
