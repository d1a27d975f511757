package service

import (
	"github.com/Strob0t/GridForge/internal/domain/compute"
)

// ChunkAssembler turns a task's payload and dependency buffers into the
// ordered compute-request stream a worker replays. It performs no I/O.
type ChunkAssembler struct {
	maxChunkSize int
}

// NewChunkAssembler creates an assembler emitting chunks of at most maxChunkSize bytes.
func NewChunkAssembler(maxChunkSize int) *ChunkAssembler {
	return &ChunkAssembler{maxChunkSize: maxChunkSize}
}

// Assemble returns, in order: an init unit carrying the first payload chunk,
// the remaining payload chunks, a payload-complete marker, then for each
// dependency in the given order a dependency-init, its chunks, and a
// dependency-complete marker.
func (a *ChunkAssembler) Assemble(init compute.Init, payload [][]byte, deps []compute.Dependency) []compute.Unit {
	chunks := a.Split(payload)
	first := []byte{}
	if len(chunks) > 0 {
		first, chunks = chunks[0], chunks[1:]
	}

	units := make([]compute.Unit, 0, len(chunks)+2+3*len(deps))
	units = append(units, compute.Unit{Kind: compute.KindInit, Init: &init, Chunk: first})
	for _, c := range chunks {
		units = append(units, compute.Unit{Kind: compute.KindPayloadChunk, Chunk: c})
	}
	units = append(units, compute.Unit{Kind: compute.KindPayloadComplete})

	for _, dep := range deps {
		units = append(units, compute.Unit{Kind: compute.KindDependencyInit, DependencyID: dep.ID})
		for _, c := range a.Split(dep.Data) {
			units = append(units, compute.Unit{Kind: compute.KindDependencyChunk, DependencyID: dep.ID, Chunk: c})
		}
		units = append(units, compute.Unit{Kind: compute.KindDependencyComplete, DependencyID: dep.ID})
	}
	return units
}

// Split re-cuts a byte stream into chunks of exactly maxChunkSize bytes,
// except the last. Source buffers at least maxChunkSize long are sliced
// without copying; shorter ones are coalesced.
func (a *ChunkAssembler) Split(stream [][]byte) [][]byte {
	var out [][]byte
	var cur []byte
	for _, b := range stream {
		for len(b) > 0 {
			if len(cur) == 0 && len(b) >= a.maxChunkSize {
				out = append(out, b[:a.maxChunkSize:a.maxChunkSize])
				b = b[a.maxChunkSize:]
				continue
			}
			if cur == nil {
				cur = make([]byte, 0, a.maxChunkSize)
			}
			n := min(a.maxChunkSize-len(cur), len(b))
			cur = append(cur, b[:n]...)
			b = b[n:]
			if len(cur) == a.maxChunkSize {
				out = append(out, cur)
				cur = nil
			}
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// MaxChunkSize returns the configured chunk bound.
func (a *ChunkAssembler) MaxChunkSize() int {
	return a.maxChunkSize
}
