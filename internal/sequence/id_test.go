package sequence

import "testing"

func TestCharIDCompare(t *testing.T) {
	cases := []struct {
		name string
		a, b CharID
		want int
	}{
		{"higher seq wins", CharID{"a", 2}, CharID{"b", 1}, 1},
		{"lower seq loses", CharID{"b", 1}, CharID{"a", 2}, -1},
		{"seq tie broken by site", CharID{"site-2", 5}, CharID{"site-1", 5}, 1},
		{"equal ids", CharID{"site-1", 5}, CharID{"site-1", 5}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Compare(tc.b); got != tc.want {
				t.Fatalf("Compare(%v, %v) = %d, want %d", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestCharIDString(t *testing.T) {
	id := CharID{Site: "site-1", Seq: 7}
	if id.String() != "site-1#7" {
		t.Fatalf("String() = %q", id.String())
	}
}
