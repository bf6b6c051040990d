package concurrent_map

import "testing"

func TestMap_SetIfAbsentIsWriteOnce(t *testing.T) {
	m := NewMap[string, int]()

	if !m.SetIfAbsent("a", 1) {
		t.Fatal("first SetIfAbsent = false, want true")
	}
	if m.SetIfAbsent("a", 2) {
		t.Fatal("second SetIfAbsent = true, want false")
	}

	v, ok := m.Get("a")
	if !ok || *v != 1 {
		t.Fatalf("Get(a) = %v, %v; want 1, true", v, ok)
	}
}

func TestMap_Update(t *testing.T) {
	m := NewMap[string, int]()
	m.Set("k", 10)

	if !m.Update("k", func(v *int) { *v++ }) {
		t.Fatal("Update(k) = false, want true")
	}
	if m.Update("missing", func(v *int) { *v++ }) {
		t.Fatal("Update(missing) = true, want false")
	}

	v, _ := m.Get("k")
	if *v != 11 {
		t.Errorf("value = %d, want 11", *v)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}
