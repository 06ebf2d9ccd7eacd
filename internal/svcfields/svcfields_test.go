package svcfields

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	if got := Subsystem("controller", "", ".pipeline."); got != "controller.pipeline" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("expected empty subsystem, got %q", got)
	}
}

func TestWithSubsystemHandlesNilLogger(t *testing.T) {
	if WithSubsystem(nil, "election") == nil {
		t.Fatal("expected logger")
	}
	if Cluster(nil, "c", "i") == nil {
		t.Fatal("expected logger")
	}
}
