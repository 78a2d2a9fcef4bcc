package errs

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestErrIsByCode(t *testing.T) {
	base := NewErrfCode("RPC_TIMEOUT", "rpc timeout")
	e1 := base.WithDetail("call %d", 1)
	e2 := base.Wrap(io.EOF)

	if !errors.Is(e1, base) {
		t.Fatal("e1 should match base by code")
	}
	if !errors.Is(e2, base) {
		t.Fatal("e2 should match base by code")
	}
	if !errors.Is(e2, io.EOF) {
		t.Fatal("e2 should unwrap to io.EOF")
	}
	if errors.Is(NewErrf("rpc timeout"), base) {
		t.Fatal("error without code should not match")
	}
}

func TestErrMessage(t *testing.T) {
	e := NewErrfCode("TRANSPORT_ERROR", "publish failed").Wrapf(io.EOF, "exchange %v", "rpc-request")
	if e.Error() != "publish failed, exchange rpc-request, EOF" {
		t.Fatalf("unexpected message: %v", e.Error())
	}
	if NewErrf("%v%%", 100).Error() != "100%" {
		t.Fatal("message should be formatted with args")
	}
}

func TestWrapNil(t *testing.T) {
	if WrapErr(nil) != nil {
		t.Fatal("WrapErr(nil) should be nil")
	}
	if WrapErrf(nil, "x") != nil {
		t.Fatal("WrapErrf(nil) should be nil")
	}
	if NewErrfCode("A", "a").Wrap(nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
}

func TestCodeOf(t *testing.T) {
	e := WrapErrf(NewErrfCode("WRONG_ARGS", "bad"), "outer")
	code, ok := CodeOf(e)
	if !ok || code != "WRONG_ARGS" {
		t.Fatalf("expected WRONG_ARGS, got %v %v", code, ok)
	}
	if _, ok := CodeOf(io.EOF); ok {
		t.Fatal("io.EOF has no code")
	}
}

func TestErrorStackTrace(t *testing.T) {
	s := ErrorStackTrace(WrapErr(io.EOF))
	if !strings.Contains(s, "TestErrorStackTrace") {
		t.Fatalf("stack should contain test func, %v", s)
	}
	t.Log(s)
}
