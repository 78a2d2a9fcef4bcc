package retry

import (
	"errors"
	"testing"
	"time"
)

var errNope = errors.New("nope")

func TestCallRetriesUntilCount(t *testing.T) {
	n := 0
	err := Call(func() error {
		n++
		return errNope
	}, 3, func(err error) bool { return true })
	if !errors.Is(err, errNope) {
		t.Fatalf("expected errNope, got %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 attempts, got %v", n)
	}
}

func TestCallStopsOnRejectedErr(t *testing.T) {
	n := 0
	err := Call(func() error {
		n++
		return errNope
	}, 3, func(err error) bool { return false })
	if err == nil || n != 1 {
		t.Fatalf("expected single attempt, got %v, %v", n, err)
	}
}

func TestGetOneSucceeds(t *testing.T) {
	n := 0
	v, err := GetOne(func() (int, error) {
		n++
		if n < 2 {
			return 0, errNope
		}
		return 42, nil
	}, 5, func(err error) bool { return true })
	if err != nil || v != 42 {
		t.Fatalf("unexpected result: %v, %v", v, err)
	}
}

func TestCallGap(t *testing.T) {
	start := time.Now()
	_ = CallGap(func() error { return errNope }, 2, 10*time.Millisecond, func(err error) bool { return true })
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected at least 20ms, took %v", time.Since(start))
	}
}
