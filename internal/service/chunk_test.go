package service

import (
	"bytes"
	"testing"

	"github.com/Strob0t/GridForge/internal/domain/compute"
)

func kinds(units []compute.Unit) []compute.Kind {
	out := make([]compute.Kind, len(units))
	for i := range units {
		out[i] = units[i].Kind
	}
	return out
}

func equalKinds(a, b []compute.Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAssemblePayloadAndEmptyDependency(t *testing.T) {
	a := NewChunkAssembler(10)
	payload := bytes.Repeat([]byte("x"), 25)

	units := a.Assemble(compute.Init{TaskID: "t1"}, [][]byte{payload}, []compute.Dependency{{ID: "dep"}})

	want := []compute.Kind{
		compute.KindInit,
		compute.KindPayloadChunk,
		compute.KindPayloadChunk,
		compute.KindPayloadComplete,
		compute.KindDependencyInit,
		compute.KindDependencyComplete,
	}
	if got := kinds(units); !equalKinds(got, want) {
		t.Fatalf("unexpected unit sequence %v", got)
	}
	sizes := []int{len(units[0].Chunk), len(units[1].Chunk), len(units[2].Chunk)}
	if sizes[0] != 10 || sizes[1] != 10 || sizes[2] != 5 {
		t.Fatalf("unexpected chunk sizes %v", sizes)
	}
	if units[0].Init == nil || units[0].Init.TaskID != "t1" {
		t.Fatal("init unit should carry the task description")
	}
	if units[4].DependencyID != "dep" || units[5].DependencyID != "dep" {
		t.Fatal("dependency markers should name the dependency")
	}
}

func TestAssembleEmptyPayload(t *testing.T) {
	a := NewChunkAssembler(10)
	units := a.Assemble(compute.Init{TaskID: "t1"}, nil, nil)

	want := []compute.Kind{compute.KindInit, compute.KindPayloadComplete}
	if got := kinds(units); !equalKinds(got, want) {
		t.Fatalf("unexpected unit sequence %v", got)
	}
	if units[0].Chunk == nil || len(units[0].Chunk) != 0 {
		t.Fatalf("init should carry an empty, non-nil chunk, got %v", units[0].Chunk)
	}
}

func TestAssembleDependencyOrder(t *testing.T) {
	a := NewChunkAssembler(4)
	deps := []compute.Dependency{
		{ID: "b", Data: [][]byte{[]byte("bbbbbb")}},
		{ID: "a", Data: [][]byte{[]byte("aa")}},
	}
	units := a.Assemble(compute.Init{}, [][]byte{[]byte("p")}, deps)

	var order []string
	var replay bytes.Buffer
	for _, u := range units {
		switch u.Kind {
		case compute.KindDependencyInit:
			order = append(order, u.DependencyID)
		case compute.KindDependencyChunk:
			if len(u.Chunk) > 4 {
				t.Fatalf("chunk of %d bytes exceeds bound", len(u.Chunk))
			}
			replay.Write(u.Chunk)
		}
	}
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Fatalf("dependencies out of order: %v", order)
	}
	if replay.String() != "bbbbbbaa" {
		t.Fatalf("unexpected replay %q", replay.String())
	}
}

func TestSplitCoalescesShortBuffers(t *testing.T) {
	a := NewChunkAssembler(4)
	got := a.Split([][]byte{[]byte("ab"), []byte("cd"), []byte("e"), nil, []byte("fghij")})

	want := []string{"abcd", "efgh", "ij"}
	if len(got) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(got))
	}
	for i := range want {
		if string(got[i]) != want[i] {
			t.Fatalf("chunk %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSplitSlicesLargeBuffersWithoutCopy(t *testing.T) {
	a := NewChunkAssembler(4)
	buf := []byte("abcdefgh")
	got := a.Split([][]byte{buf})

	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if &got[0][0] != &buf[0] || &got[1][0] != &buf[4] {
		t.Fatal("expected chunks to alias the source buffer")
	}
}
