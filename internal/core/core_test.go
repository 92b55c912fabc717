package core

import (
	"errors"
	"testing"
)

func TestDirectionReverse(t *testing.T) {
	if ToServer.Reverse() != ToClient {
		t.Errorf("expected ToClient, got %v", ToServer.Reverse())
	}
	if ToClient.Reverse() != ToServer {
		t.Errorf("expected ToServer, got %v", ToClient.Reverse())
	}
	if (ToServer | ToClient).Valid() {
		t.Errorf("combined mask must not be a valid single direction")
	}
	if got := (ToServer | ToClient).String(); got != "both" {
		t.Errorf("expected both, got %s", got)
	}
}

func TestParseIPProto(t *testing.T) {
	p, err := ParseIPProto(" TCP ")
	if err != nil || p != IPProtoTCP {
		t.Fatalf("expected tcp, got %v (%v)", p, err)
	}
	if _, err := ParseIPProto("sctp"); !errors.Is(err, ErrUnsupportedProto) {
		t.Errorf("expected ErrUnsupportedProto, got %v", err)
	}
}

func TestResultCheck(t *testing.T) {
	tests := []struct {
		name    string
		res     Result
		inLen   int
		wantErr bool
	}{
		{"ok full", ResultOK(10), 10, false},
		{"ok short", ResultOK(9), 10, true},
		{"error", ResultError(), 10, false},
		{"incomplete valid", ResultIncomplete(4, 7), 10, false},
		{"incomplete nothing consumed", ResultIncomplete(0, 11), 10, false},
		{"incomplete needed already there", ResultIncomplete(4, 6), 10, true},
		{"incomplete over-consumed", ResultIncomplete(11, 1), 10, true},
		{"unknown status", Result{Status: 7}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.res.Check(tt.inLen)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check(%d) = %v, wantErr %v", tt.inLen, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrContract) {
				t.Errorf("expected ErrContract, got %v", err)
			}
		})
	}
}

func TestProbeResult(t *testing.T) {
	r := Confirmed().WithRevDir(ToServer)
	if r.Verdict != ProbeConfirmed || r.RevDir != ToServer {
		t.Errorf("unexpected probe result %+v", r)
	}
	if Undecided().Verdict.String() != "undecided" {
		t.Errorf("expected undecided")
	}
}
