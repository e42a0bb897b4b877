package platform

import "testing"

func TestMaxConnectionsUnlimitedFallsBackToDefault(t *testing.T) {
	if got := MaxConnections(0); got != 10000 {
		t.Fatalf("MaxConnections(0) = %d, want 10000", got)
	}
}

func TestMaxConnectionsScalesWithMemory(t *testing.T) {
	small := MaxConnections(256 * 1024 * 1024)
	large := MaxConnections(4 * 1024 * 1024 * 1024)
	if large <= small {
		t.Fatalf("expected larger memory limit to allow more connections: small=%d large=%d", small, large)
	}
}

func TestMaxConnectionsRespectsLowerBound(t *testing.T) {
	if got := MaxConnections(1); got != 100 {
		t.Fatalf("MaxConnections(1) = %d, want floor of 100", got)
	}
}

func TestMaxConnectionsRespectsUpperBound(t *testing.T) {
	if got := MaxConnections(1 << 50); got != 200000 {
		t.Fatalf("MaxConnections(huge) = %d, want ceiling of 200000", got)
	}
}
