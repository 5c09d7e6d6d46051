package snapshot

import "testing"

func TestParseNamespaceRoot(t *testing.T) {
	ns, err := ParseNamespace("")
	if err != nil {
		t.Fatalf("ParseNamespace: %v", err)
	}
	if !ns.IsRoot() {
		t.Error("expected root namespace")
	}
	if ns.String() != "" {
		t.Errorf("expected empty string, got %q", ns.String())
	}
}

func TestParseNamespaceRoundTrip(t *testing.T) {
	for _, s := range []string{"a", "a/b", "a/b/c-d_e"} {
		ns, err := ParseNamespace(s)
		if err != nil {
			t.Fatalf("ParseNamespace(%q): %v", s, err)
		}
		if got := ns.String(); got != s {
			t.Errorf("round trip: got %q, want %q", got, s)
		}
	}
}

func TestParseNamespaceTooDeep(t *testing.T) {
	if _, err := ParseNamespace("a/b/c/d/e/f/g/h"); err == nil {
		t.Fatal("expected error for namespace exceeding max depth")
	}
}

func TestParseNamespaceInvalidSegment(t *testing.T) {
	if _, err := ParseNamespace("a/../etc"); err == nil {
		t.Fatal("expected error for invalid segment")
	}
	if _, err := ParseNamespace("a//b"); err == nil {
		t.Fatal("expected error for empty segment")
	}
}

func TestNamespaceOnDiskPath(t *testing.T) {
	ns, err := ParseNamespace("a/b")
	if err != nil {
		t.Fatalf("ParseNamespace: %v", err)
	}
	if got, want := ns.OnDiskPath(), "ns/a/ns/b"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	root, _ := ParseNamespace("")
	if got := root.OnDiskPath(); got != "" {
		t.Errorf("expected empty on-disk path for root, got %q", got)
	}
}

func TestNamespaceContains(t *testing.T) {
	parent, _ := ParseNamespace("a")
	child, _ := ParseNamespace("a/b")
	other, _ := ParseNamespace("c")

	if !parent.Contains(child) {
		t.Error("expected parent to contain child")
	}
	if !parent.Contains(parent) {
		t.Error("expected namespace to contain itself")
	}
	if parent.Contains(other) {
		t.Error("expected parent to not contain unrelated namespace")
	}
	if child.Contains(parent) {
		t.Error("expected child to not contain its parent")
	}
}

func TestNamespaceChildAndParent(t *testing.T) {
	root, _ := ParseNamespace("")
	a, err := root.Child("a")
	if err != nil {
		t.Fatalf("Child: %v", err)
	}
	ab, err := a.Child("b")
	if err != nil {
		t.Fatalf("Child: %v", err)
	}
	if ab.String() != "a/b" {
		t.Errorf("got %q", ab.String())
	}

	parent, ok := ab.Parent()
	if !ok || !parent.Equal(a) {
		t.Errorf("expected parent a, got %v ok=%v", parent, ok)
	}

	if _, ok := root.Parent(); ok {
		t.Error("expected root to have no parent")
	}
}

func TestMapPrefix(t *testing.T) {
	src, _ := ParseNamespace("src")
	tgt, _ := ParseNamespace("tgt/nested")
	ns, _ := ParseNamespace("src/a/b")

	mapped, err := MapPrefix(src, tgt, ns)
	if err != nil {
		t.Fatalf("MapPrefix: %v", err)
	}
	if want := "tgt/nested/a/b"; mapped.String() != want {
		t.Errorf("got %q, want %q", mapped.String(), want)
	}
}

func TestMapPrefixNotContained(t *testing.T) {
	src, _ := ParseNamespace("src")
	tgt, _ := ParseNamespace("tgt")
	ns, _ := ParseNamespace("other/a")

	if _, err := MapPrefix(src, tgt, ns); err == nil {
		t.Fatal("expected error when ns is not under srcRoot")
	}
}

func TestMapPrefixExceedsMaxDepth(t *testing.T) {
	src, _ := ParseNamespace("")
	tgt, _ := ParseNamespace("a/b/c/d/e/f/g")
	ns, _ := ParseNamespace("x")

	if _, err := MapPrefix(src, tgt, ns); err == nil {
		t.Fatal("expected error when mapped namespace exceeds max depth")
	}
}
