package service

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/GridForge/internal/adapter/memory"
	"github.com/Strob0t/GridForge/internal/adapter/ristretto"
)

func TestCachedObjectsReadThrough(t *testing.T) {
	inner := &countingObjects{Objects: memory.NewObjects()}
	c, err := ristretto.New(1)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	objects := NewCachedObjects(inner, c, time.Minute)
	ctx := context.Background()

	if err := objects.Store(ctx, "dep", [][]byte{[]byte("ab"), []byte("cd")}); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		chunks, err := objects.Fetch(ctx, "dep")
		if err != nil {
			t.Fatal(err)
		}
		if len(chunks) != 2 || string(chunks[1]) != "cd" {
			t.Fatalf("unexpected chunks %q", chunks)
		}
	}
	if n := inner.fetches.Load(); n != 1 {
		t.Fatalf("expected one backend fetch, got %d", n)
	}

	if err := objects.Store(ctx, "dep", [][]byte{[]byte("new")}); err != nil {
		t.Fatal(err)
	}
	chunks, err := objects.Fetch(ctx, "dep")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || string(chunks[0]) != "new" {
		t.Fatalf("stale cache entry served: %q", chunks)
	}

	if err := objects.Delete(ctx, "dep"); err != nil {
		t.Fatal(err)
	}
	if _, err := objects.Fetch(ctx, "dep"); err == nil {
		t.Fatal("expected miss after delete")
	}
}
