package domain

import "testing"

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"Alice", "alice"},
		{" alice ", "alice"},
		{"ALICE", "alice"},
		{"\tBob Smith \n", "bob smith"},
		{"", ""},
		{"   ", ""},
	}
	for _, c := range cases {
		if got := NormalizeName(c.raw); got != c.want {
			t.Fatalf("NormalizeName(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}
