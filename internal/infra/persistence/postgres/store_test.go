package postgres

import (
	"context"
	"testing"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store == nil {
		t.Fatalf("expected store instance")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	batches, err := store.Batches(context.Background(), "wk")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := batches.Read(context.Background()); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}
