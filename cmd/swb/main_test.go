package main

import (
	"errors"
	"fmt"
	"testing"

	"switchboard/internal/resilience"
)

func TestExitCode(t *testing.T) {
	held := &resilience.LockHeldError{Path: "/tmp/swb.lock", PID: 42}
	cases := []struct {
		err  error
		want int
	}{
		{held, exitLockHeld},
		{fmt.Errorf("start: %w", held), exitLockHeld},
		{errors.New("connecting storage: disk gone"), 1},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
