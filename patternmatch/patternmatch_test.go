package patternmatch

import "testing"

func TestExactMatch(t *testing.T) {
	m, err := New("user:1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.Match("user:1") {
		t.Fatal("expected exact match")
	}
	if m.Match("user:2") {
		t.Fatal("expected no match for a different key")
	}
}

func TestWildcardPrefixSuffixContains(t *testing.T) {
	cases := []struct {
		pattern string
		match   string
		want    bool
	}{
		{"user:*", "user:1", true},
		{"user:*", "order:1", false},
		{"*:1", "user:1", true},
		{"*:1", "user:2", false},
		{"*user*", "prefix-user-suffix", true},
		{"*user*", "nothing-here", false},
		{"user:?", "user:1", true},
		{"user:?", "user:12", false},
	}
	for _, c := range cases {
		m, err := New(c.pattern)
		if err != nil {
			t.Fatalf("pattern %q: unexpected error: %v", c.pattern, err)
		}
		if got := m.Match(c.match); got != c.want {
			t.Errorf("pattern %q matching %q: got %v, want %v", c.pattern, c.match, got, c.want)
		}
	}
}

func TestRegexPattern(t *testing.T) {
	m, err := New("/^user:[0-9]+$/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.Match("user:42") {
		t.Fatal("expected regex match")
	}
	if m.Match("user:abc") {
		t.Fatal("expected regex mismatch")
	}
}

func TestInvalidRegexReturnsError(t *testing.T) {
	if err := ValidatePattern("/[/"); err == nil {
		t.Fatal("expected an error for an invalid regex")
	}
}

func TestCompiledRegexIsCached(t *testing.T) {
	_, err := New("/^a+$/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := regexCache.Load("^a+$"); !ok {
		t.Fatal("expected the compiled regex to be cached for reuse")
	}
}
