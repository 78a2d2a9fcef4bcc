package async

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestCapturePanicErr(t *testing.T) {
	err := CapturePanicErr(func() { panic("boom") })
	if err == nil {
		t.Fatal("should return err")
	}
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("should be ErrPanic, %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("should contain panic value, %v", err)
	}

	if err := CapturePanicErr(func() {}); err != nil {
		t.Fatalf("should be nil, %v", err)
	}
}

func TestCapturePanicWithErr(t *testing.T) {
	_, err := CapturePanic(func() (int, error) { panic(io.EOF) })
	if !errors.Is(err, io.EOF) {
		t.Fatalf("should unwrap to io.EOF, %v", err)
	}

	v, err := CapturePanic(func() (int, error) { return 1, nil })
	if err != nil || v != 1 {
		t.Fatalf("unexpected result %v, %v", v, err)
	}
}

func TestPanicSafeRun(t *testing.T) {
	var captured error
	PanicSafeRun(func() { panic("boom") }, func(err error) { captured = err })
	if captured == nil {
		t.Fatal("panic should be passed to onPanic")
	}
}

func TestSignalOnce(t *testing.T) {
	s := NewSignalOnce()
	if s.Closed() {
		t.Fatal("should not be closed")
	}
	if !s.TimedWait(10 * time.Millisecond) {
		t.Fatal("should time out")
	}
	go s.Notify()
	s.Wait()
	s.Notify()
	if !s.Closed() {
		t.Fatal("should be closed")
	}
}
