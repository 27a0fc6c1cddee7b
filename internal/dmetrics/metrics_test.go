package dmetrics

import "testing"

func TestToPromLabels(t *testing.T) {
	got := toPromLabels("strategy=fast,outcome=established")
	want := "strategy=\"fast\",outcome=\"established\""
	if got != want {
		t.Fatalf("toPromLabels=%q want %q", got, want)
	}
}

func TestObserveRendezvousAttemptNoopWhenDisabled(t *testing.T) {
	// A fresh package-level telemetry is disabled by default; recording
	// must not panic or allocate the backing maps.
	m = telemetry{}
	ObserveRendezvousAttempt("fast", "established", 0)
	if m.rendezvousAttempts != nil {
		t.Fatalf("expected no map allocation while disabled")
	}
}

func TestEnableThenObserveAccumulates(t *testing.T) {
	m = telemetry{}
	Enable()
	ObserveRendezvousAttempt("fast", "established", 0)
	ObserveRendezvousAttempt("fast", "established", 0)

	if got := m.rendezvousAttempts["strategy=fast,outcome=established"]; got != 2 {
		t.Fatalf("expected 2 attempts recorded, got %d", got)
	}
}
