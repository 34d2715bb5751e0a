package model

import "testing"

func TestNumericID(t *testing.T) {
	tests := []struct {
		in     string
		want   int64
		wantOK bool
	}{
		{"1234", 1234, true},
		{"gid://shop/LineItem/987", 987, true},
		{"li-0042", 42, true},
		{"abc", 0, false},
		{"", 0, false},
		{"99999999999999999999999", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NumericID(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("NumericID(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("NumericID(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestCompareLineItemIDs(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		// Numeric, not lexical: 9 < 10.
		{"9", "10", -1},
		{"gid://shop/LineItem/200", "gid://shop/LineItem/31", 1},
		{"5", "5", 0},
		// A numeric ID outranks a non-numeric one.
		{"abc", "7", -1},
		{"7", "abc", 1},
		{"abc", "abd", -1},
	}
	for _, tt := range tests {
		if got := CompareLineItemIDs(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareLineItemIDs(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestStatusValid(t *testing.T) {
	if !StatusActive.Valid() || !StatusRemoved.Valid() {
		t.Error("canonical statuses must be valid")
	}
	if Status("").Valid() || Status("pending").Valid() {
		t.Error("non-canonical statuses must be invalid")
	}
}

func TestLineItemEdition(t *testing.T) {
	var li LineItem
	if li.Edition() != 0 {
		t.Errorf("Edition() on nil number = %d, want 0", li.Edition())
	}
	li.EditionNumber = EditionInt(3)
	if li.Edition() != 3 {
		t.Errorf("Edition() = %d, want 3", li.Edition())
	}
}

func TestCountLineItems(t *testing.T) {
	rows := []*LineItem{
		{Status: StatusActive, EditionNumber: EditionInt(1)},
		{Status: StatusActive, EditionNumber: EditionInt(2)},
		{Status: StatusActive},
		{Status: StatusRemoved},
		{Status: "legacy"},
	}
	got := CountLineItems(rows)
	want := EditionCounts{TotalEditions: 2, ActiveItems: 3, RemovedItems: 1}
	if got != want {
		t.Errorf("CountLineItems = %+v, want %+v", got, want)
	}
}
