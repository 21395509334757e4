package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"domain", fmt.Errorf("add friend: %w", ErrConflict), false},
		{"canceled", context.Canceled, false},
		{"driver", errors.New("connection reset by peer"), true},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("%s: Retryable=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestNewULID(t *testing.T) {
	a, err := NewULID()
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	b, _ := NewULID()
	if len(a) != 26 || a == b {
		t.Fatalf("unexpected ids %q %q", a, b)
	}
}
