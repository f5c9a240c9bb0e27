package session

import (
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"chatbridge/internal/store"
)

func TestGetGeneratesAndPersists(t *testing.T) {
	kv := store.NewMemory()
	s := New(kv, "widget", slog.Default())

	id := s.Get()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("session id is not a uuid: %q", id)
	}

	if s.Get() != id {
		t.Error("repeated Get must return the same id")
	}

	// A fresh store over the same KV sees the persisted value.
	s2 := New(kv, "widget", slog.Default())
	if s2.Get() != id {
		t.Error("persisted id must survive store recreation")
	}
}

func TestResetStartsFresh(t *testing.T) {
	s := New(store.NewMemory(), "widget", slog.Default())

	first := s.Get()
	s.Reset()
	second := s.Get()

	if first == second {
		t.Error("reset must produce a new session id")
	}
}

func TestAdoptServerID(t *testing.T) {
	kv := store.NewMemory()
	s := New(kv, "widget", slog.Default())
	s.Get()

	s.Adopt("server-assigned")
	if s.Get() != "server-assigned" {
		t.Error("adopted id must replace the local one")
	}

	s2 := New(kv, "widget", slog.Default())
	if s2.Get() != "server-assigned" {
		t.Error("adopted id must be persisted")
	}
}

func TestAdoptEmptyIsNoOp(t *testing.T) {
	s := New(store.NewMemory(), "widget", slog.Default())
	id := s.Get()

	s.Adopt("")
	if s.Get() != id {
		t.Error("adopting an empty id must not change anything")
	}
}

func TestInstancesIsolated(t *testing.T) {
	kv := store.NewMemory()
	a := New(kv, "a", slog.Default())
	b := New(kv, "b", slog.Default())

	if a.Get() == b.Get() {
		t.Error("distinct instances must get distinct sessions")
	}
}
