package refmgr

import "testing"

func TestCreateForKeyBeforeAndAfterBinding(t *testing.T) {
	m := New(nil)
	key := SectionKey(1)
	target := "the-target"

	before := m.CreateForKey(key)
	if _, ok := before.Target(); ok {
		t.Fatalf("reference created before binding should not resolve yet")
	}

	if err := m.AddObjectReference(key, target); err != nil {
		t.Fatalf("AddObjectReference: %v", err)
	}

	after := m.CreateForKey(key)

	for _, ref := range []*SafeReference{before, after} {
		got, ok := ref.Target()
		if !ok || got != target {
			t.Fatalf("Target() = %v, %v, want %q, true", got, ok, target)
		}
	}
}

// Registration order relative to CreateForKey must not change the final
// resolution (spec.md §8's reference-manager idempotence property).
func TestRegistrationOrderIndependence(t *testing.T) {
	key := SectionKey(7)
	target := 42

	m1 := New(nil)
	ref1 := m1.CreateForKey(key)
	m1.AddObjectReference(key, target)

	m2 := New(nil)
	m2.AddObjectReference(key, target)
	ref2 := m2.CreateForKey(key)

	got1, _ := ref1.Target()
	got2, _ := ref2.Target()
	if got1 != got2 {
		t.Fatalf("order-dependent resolution: %v vs %v", got1, got2)
	}
}

func TestAddObjectReferenceConflict(t *testing.T) {
	m := New(nil)
	key := SectionKey(1)
	if err := m.AddObjectReference(key, "a"); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := m.AddObjectReference(key, "b"); err == nil {
		t.Fatalf("expected a conflict error binding a second target to the same key")
	}
	// Re-registering the same target is not a conflict.
	if err := m.AddObjectReference(key, "a"); err != nil {
		t.Fatalf("re-registering the same target should succeed, got %v", err)
	}
}

func TestResolveFailsOnUnboundKey(t *testing.T) {
	m := New(nil)
	m.CreateForKey(SectionKey(99))
	if err := m.Resolve(); err == nil {
		t.Fatalf("expected Resolve to fail on an outstanding unbound key")
	}
}

func TestResolveMaterializesChunkOffsets(t *testing.T) {
	type chunk struct{ section SectionID; offset uint32 }
	materialize := func(section SectionID, offset uint32) (any, error) {
		return chunk{section: section, offset: offset}, nil
	}
	m := New(materialize)
	ref := m.CreateForKey(SectionOffsetKey(3, 10))

	if err := m.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, ok := ref.Target()
	if !ok {
		t.Fatalf("expected reference to resolve after materialization")
	}
	if got != (chunk{section: 3, offset: 10}) {
		t.Fatalf("Target() = %v, want chunk{3, 10}", got)
	}
	if n := m.PendingKeyCount(); n != 0 {
		t.Fatalf("PendingKeyCount() = %d, want 0 after Resolve", n)
	}
}

func TestReplaceAllReferences(t *testing.T) {
	m := New(nil)
	old := "old"
	replacement := "new"
	r1 := m.CreateForTarget(old)
	r2 := m.CreateForTarget(old)
	other := m.CreateForTarget("unrelated")

	m.ReplaceAllReferences(old, replacement)

	for _, r := range []*SafeReference{r1, r2} {
		got, _ := r.Target()
		if got != replacement {
			t.Fatalf("Target() = %v, want %q", got, replacement)
		}
	}
	got, _ := other.Target()
	if got != "unrelated" {
		t.Fatalf("unrelated reference was migrated: %v", got)
	}
}

func TestInformDeletedSafePointableInvalidatesReferences(t *testing.T) {
	m := New(nil)
	target := "doomed"
	ref := m.CreateForTarget(target)

	m.InformDeletedSafePointable(target)

	if _, ok := ref.Target(); ok {
		t.Fatalf("expected reference to a deleted target to become unresolved")
	}
}

func TestCleanupInvalidatesEverything(t *testing.T) {
	m := New(nil)
	ref := m.CreateForTarget("x")
	m.Cleanup()
	if _, ok := ref.Target(); ok {
		t.Fatalf("expected Cleanup to invalidate outstanding references")
	}
}
