package herald

import (
	"errors"
	"slices"
	"testing"

	"github.com/NumminorihSF/rabbitmq-herald-client/rail"
)

func TestAddRemoveHandler(t *testing.T) {
	c, err := NewClient(testSettings("math"))
	if err != nil {
		t.Fatal(err)
	}
	h := HandlerWithoutIdentity(func(rl rail.Rail, args Payload, respond Respond) {})
	if !c.AddHandler("sum", h) {
		t.Fatal("handler should be added")
	}
	if c.AddHandler("sum", HandlerWithIdentity(func(rl rail.Rail, caller Identity, args Payload, respond Respond) {})) {
		t.Fatal("name is taken")
	}
	e, _ := c.handlers.get("sum")
	if e.arity != IdentityAgnostic {
		t.Fatal("first handler should be kept")
	}
	if c.AddHandler("", h) || c.AddHandler("nil", nil) {
		t.Fatal("empty name or nil handler should be rejected")
	}
	if !slices.Equal(c.Handlers(), []string{"sum"}) {
		t.Fatalf("unexpected handlers %v", c.Handlers())
	}
	if !c.RemoveHandler("sum") {
		t.Fatal("handler should be removed")
	}
	if c.RemoveHandler("sum") {
		t.Fatal("handler was removed already")
	}
}

func TestInvoke(t *testing.T) {
	c, err := NewClient(testSettings("math"))
	if err != nil {
		t.Fatal(err)
	}
	mathServer(c)
	rl := rail.EmptyRail()
	caller := Identity{Name: "web", Uid: "web_1"}

	var res Payload
	var resErr error
	c.Invoke(rl, caller, Action{Name: "sum", Args: sumReq{A: 3, B: 4}}, func(p Payload, err error) { res, resErr = p, err })
	if resErr != nil || res.String() != "7" {
		t.Fatalf("unexpected result %v, %v", res, resErr)
	}

	c.Invoke(rl, caller, Action{Name: "caller", Args: struct{}{}}, func(p Payload, err error) { res, resErr = p, err })
	if resErr != nil || res.String() != `"web"` {
		t.Fatalf("identity aware handler should see caller, %v, %v", res, resErr)
	}

	c.Invoke(rl, caller, Action{Name: "nope", Args: struct{}{}}, func(p Payload, err error) { resErr = err })
	if !errors.Is(resErr, ErrWrongAction) {
		t.Fatalf("expected WRONG_ACTION, got %v", resErr)
	}

	c.Invoke(rl, caller, Action{Name: "panic", Args: struct{}{}}, func(p Payload, err error) { resErr = err })
	if resErr == nil {
		t.Fatal("panic should be returned as error")
	}

	c.Invoke(rl, caller, Action{Name: "sum", Args: "not an object"}, func(p Payload, err error) { resErr = err })
	if !errors.Is(resErr, ErrWrongArgs) {
		t.Fatalf("expected WRONG_ARGS, got %v", resErr)
	}
}

func TestPayload(t *testing.T) {
	var p Payload
	if !p.IsNull() || !Payload("null").IsNull() || Payload("1").IsNull() {
		t.Fatal("unexpected IsNull")
	}
	var v *int
	if err := p.Bind(&v); err != nil || v != nil {
		t.Fatalf("empty payload should bind as null, %v", err)
	}
}
