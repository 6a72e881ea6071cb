package main

import "testing"

func TestResolveTargetNumeric(t *testing.T) {
	pid, err := resolveTarget("4242", "")
	if err != nil {
		t.Fatalf("resolveTarget: unexpected error: %v", err)
	}

	if pid != 4242 {
		t.Fatalf("resolveTarget(\"4242\") = %d, want 4242", pid)
	}
}

func TestResolveTargetUnknownContainer(t *testing.T) {
	if _, err := resolveTarget("no-such-container-xyz", ""); err == nil {
		t.Fatal("resolveTarget: want error for nonexistent container name")
	}
}
