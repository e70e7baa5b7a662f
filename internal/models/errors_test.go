package models

import (
	"errors"
	"testing"
)

func TestCodeFor_RoundTripsTaxonomy(t *testing.T) {
	for _, e := range codeTable {
		if got := CodeFor(e.err); got != e.code {
			t.Fatalf("CodeFor(%v)=%q, want %q", e.err, got, e.code)
		}
		if got := ErrorForCode(e.code, ""); !errors.Is(got, e.err) {
			t.Fatalf("ErrorForCode(%q)=%v, want %v", e.code, got, e.err)
		}
	}
}

func TestCodeFor_SeesThroughWrapping(t *testing.T) {
	err := WrapError("join room", ErrHostConflict, "abc-123")
	if got := CodeFor(err); got != CodeHostConflict {
		t.Fatalf("CodeFor=%q, want %q", got, CodeHostConflict)
	}
	if got := CodeFor(errors.New("boom")); got != CodeInternal {
		t.Fatalf("CodeFor(unknown)=%q, want %q", got, CodeInternal)
	}
}

func TestError_Message(t *testing.T) {
	err := NewPeerError("apply answer", "peer-1", ErrNegotiationFailure)
	if got, want := err.Error(), "apply answer peer-1: peer negotiation failed"; got != want {
		t.Fatalf("Error()=%q, want %q", got, want)
	}
	if !errors.Is(err, ErrNegotiationFailure) {
		t.Fatalf("errors.Is should unwrap to ErrNegotiationFailure")
	}
}

func TestErrorForCode_Unknown(t *testing.T) {
	err := ErrorForCode("weird", "server said no")
	if err.Error() != "server said no" {
		t.Fatalf("got %q", err.Error())
	}
}
