package query

import "testing"

func TestEscapeLike(t *testing.T) {
	tests := map[string]string{
		"alice":     "alice",
		"50%_off":   `50\%\_off`,
		`back\path`: `back\\path`,
	}
	for in, want := range tests {
		if got := escapeLike(in); got != want {
			t.Errorf("escapeLike(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSelectBuilderNumbersPlaceholders(t *testing.T) {
	q := newSelect("SELECT 1 FROM t")
	q.filter("a = %s", "x")
	q.filter("(b LIKE %s OR c LIKE %s)", "y%")
	q.orderLimit("id DESC", 10)

	want := "SELECT 1 FROM t WHERE a = $1 AND (b LIKE $2 OR c LIKE $2) ORDER BY id DESC LIMIT $3"
	if got := q.String(); got != want {
		t.Errorf("sql = %q\nwant  %q", got, want)
	}
	if len(q.args) != 3 || q.args[2] != 10 {
		t.Errorf("args = %v", q.args)
	}
}

func TestSelectBuilderWithoutLimit(t *testing.T) {
	q := newSelect("SELECT 1 FROM t")
	q.orderLimit("id", 0)
	if got := q.String(); got != "SELECT 1 FROM t ORDER BY id" {
		t.Errorf("sql = %q", got)
	}
}
