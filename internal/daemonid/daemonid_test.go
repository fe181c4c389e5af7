package daemonid

import "testing"

func TestParseQualified(t *testing.T) {
	id, err := Parse("myproj/api")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Namespace != "myproj" || id.Name != "api" {
		t.Fatalf("got %+v", id)
	}
}

func TestParseRejectsBadChars(t *testing.T) {
	cases := []string{"ns/a b", "ns/a..b", "ns/a--b", "ns with space/a", "/a", "ns/"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("expected error parsing %q", c)
		}
	}
}

func TestSafePathRoundTrip(t *testing.T) {
	id, err := Parse("myproj/api")
	if err != nil {
		t.Fatal(err)
	}
	safe := id.SafePath()
	if safe != "myproj--api" {
		t.Fatalf("unexpected safe path: %s", safe)
	}
	back, err := FromSafePath(safe)
	if err != nil {
		t.Fatal(err)
	}
	if back != id {
		t.Fatalf("round trip mismatch: %+v != %+v", back, id)
	}
}

func TestResolveOrder(t *testing.T) {
	candidates := []ID{
		{Namespace: "proj", Name: "api"},
		{Namespace: "global", Name: "api"},
		{Namespace: "other", Name: "web"},
	}

	// (a) cwd namespace wins
	got, err := Resolve("api", "proj", candidates)
	if err != nil || got != (ID{Namespace: "proj", Name: "api"}) {
		t.Fatalf("got %+v, err %v", got, err)
	}

	// (b) unique match anywhere
	got, err = Resolve("web", "proj", candidates)
	if err != nil || got != (ID{Namespace: "other", Name: "web"}) {
		t.Fatalf("got %+v, err %v", got, err)
	}

	// ambiguous when no cwd match and multiple candidates share the name
	_, err = Resolve("api", "nomatch", candidates)
	if err == nil {
		t.Fatal("expected ambiguous error")
	}

	// not found
	_, err = Resolve("nonexistent", "proj", candidates)
	if err == nil {
		t.Fatal("expected not-found error")
	}
}
