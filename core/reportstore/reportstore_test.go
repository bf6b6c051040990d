package reportstore

import (
	"context"
	"errors"
	"testing"

	"github.com/pyropy/starstream/core/observer"
)

func openStore(t *testing.T) *ReportStore {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	in := observer.Report{
		RunID:            "run-1",
		CreatedAt:        "2024-01-01T00:00:00Z",
		Seed:             7,
		TotalChunks:      5,
		StartedPlaybacks: 3,
		MissingChunks:    map[int]int{0: 3, 2: 1},
		MessagesByKind:   map[string]int{"CHUNK": 12},
		Stores: []observer.StoreDump{
			{Node: "a", Joined: true, Sequences: []int{0, 1, 2}, Contiguous: 3, Missing: []int{}},
		},
	}
	in.PerceivedDelivery.Add(2)
	in.PerceivedDelivery.Add(4)

	if err := s.Put(ctx, in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := s.Has(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("Has = %v, %v; want true", ok, err)
	}

	out, err := s.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if out.Seed != 7 || out.TotalChunks != 5 || out.StartedPlaybacks != 3 {
		t.Errorf("Get = %+v", out)
	}
	if out.MissingChunks[0] != 3 || out.MissingChunks[2] != 1 {
		t.Errorf("MissingChunks = %v", out.MissingChunks)
	}
	if out.MessagesByKind["CHUNK"] != 12 {
		t.Errorf("MessagesByKind = %v", out.MessagesByKind)
	}
	if out.PerceivedDelivery.N != 2 || out.PerceivedDelivery.Avg != 3 {
		t.Errorf("PerceivedDelivery = %+v", out.PerceivedDelivery)
	}
	if len(out.Stores) != 1 || out.Stores[0].Contiguous != 3 {
		t.Errorf("Stores = %+v", out.Stores)
	}
}

func TestGet_Missing(t *testing.T) {
	s := openStore(t)

	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrReportNotFound) {
		t.Errorf("Get = %v, want ErrReportNotFound", err)
	}
}

func TestPut_RequiresRunID(t *testing.T) {
	s := openStore(t)

	if err := s.Put(context.Background(), observer.Report{}); !errors.Is(err, ErrEmptyRunID) {
		t.Errorf("Put = %v, want ErrEmptyRunID", err)
	}
}

func TestAll_OldestFirst(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	for _, r := range []observer.Report{
		{RunID: "b", CreatedAt: "2024-01-02T00:00:00Z"},
		{RunID: "c", CreatedAt: "2024-01-03T00:00:00Z"},
		{RunID: "a", CreatedAt: "2024-01-01T00:00:00Z"},
	} {
		if err := s.Put(ctx, r); err != nil {
			t.Fatalf("Put %s: %v", r.RunID, err)
		}
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(all) != len(want) {
		t.Fatalf("All returned %d reports, want %d", len(all), len(want))
	}
	for i, id := range want {
		if all[i].RunID != id {
			t.Errorf("All()[%d] = %s, want %s", i, all[i].RunID, id)
		}
	}
}
