package registry_test

import (
	"testing"

	"github.com/jonahgoldsmith/starlight-go/registry"
)

func TestSetGetRoundTrip(t *testing.T) {
	r := registry.New()
	type allocatorAPI struct{ Version int }

	if err := r.Set("allocator", &allocatorAPI{Version: 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := r.Get("allocator")
	if !ok {
		t.Fatal("Get: not found")
	}
	if got.(*allocatorAPI).Version != 1 {
		t.Fatalf("Version = %d, want 1", got.(*allocatorAPI).Version)
	}
}

func TestSetReplacesExistingEntry(t *testing.T) {
	r := registry.New()
	_ = r.Set("job_system", 1)
	_ = r.Set("job_system", 2)

	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	got, _ := r.Get("job_system")
	if got.(int) != 2 {
		t.Fatalf("got %v, want 2", got)
	}
}

func TestGetMissingReturnsFalse(t *testing.T) {
	r := registry.New()
	if _, ok := r.Get("nope"); ok {
		t.Fatal("Get() on empty registry returned ok=true")
	}
}

func TestRemove(t *testing.T) {
	r := registry.New()
	_ = r.Set("a", 1)
	_ = r.Set("b", 2)
	r.Remove("a")

	if _, ok := r.Get("a"); ok {
		t.Fatal("a still present after Remove")
	}
	if got, ok := r.Get("b"); !ok || got.(int) != 2 {
		t.Fatal("b should survive removing a")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestSetReturnsErrWhenFull(t *testing.T) {
	r := registry.New()
	for i := 0; i < 128; i++ {
		if err := r.Set(string(rune('a'+i%26))+string(rune(i)), i); err != nil {
			t.Fatalf("Set #%d: %v", i, err)
		}
	}
	if err := r.Set("one-too-many", 0); err == nil {
		t.Fatal("expected ErrRegistryFull")
	}
}
