package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeUnwrapsSentinels(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("register: %w", ErrDuplicateArtifact), CodeDuplicateFile},
		{fmt.Errorf("callback: %w", ErrSignatureMismatch), CodeInvalidSignature},
		{fmt.Errorf("lookup: %w", ErrJobNotFound), CodeJobNotFound},
		{ErrResultsNotReady, CodeResultsNotReady},
		{errors.New("boom"), CodeInternal},
		{nil, ""},
	}
	for _, tc := range tests {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestJobStatusClassification(t *testing.T) {
	if !JobQueued.Active() || !JobProcessing.Active() {
		t.Fatalf("queued and processing must be active")
	}
	for _, s := range []JobStatus{JobCompleted, JobCancelled, JobFailed} {
		if s.Active() || !s.Terminal() {
			t.Fatalf("%s should be terminal and inactive", s)
		}
	}
}

func TestCodesListsEveryCodeOnce(t *testing.T) {
	seen := map[string]int{}
	for _, c := range Codes() {
		seen[c]++
	}
	for _, c := range []string{CodeValidation, CodeDispatchFailed, CodeResultsNotReady, CodeInternal} {
		if seen[c] != 1 {
			t.Fatalf("code %s listed %d times", c, seen[c])
		}
	}
	if len(seen) != len(Codes()) {
		t.Fatalf("duplicate codes in %v", Codes())
	}
}
