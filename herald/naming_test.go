package herald

import (
	"strings"
	"testing"
)

func TestQueueNames(t *testing.T) {
	id := Identity{Name: "billing", Uid: "billing_00000042"}
	cases := []struct {
		got  string
		want string
	}{
		{id.RpcIn(), "billing.rpc.in"},
		{id.RpcInInstance(), "billing.rpc.in.billing_00000042"},
		{id.RpcRes(), "billing.rpc.res"},
		{id.RpcResInstance(), "billing.rpc.res.billing_00000042"},
		{EventForApp("audit", "billing"), "audit.event.billing"},
		{EventForInstance("audit", "audit_1", "billing"), "audit.event.audit_1.billing"},
		{RouteApp("billing"), "billing"},
		{RouteBroadcast("billing"), "billing-all"},
		{RouteInstance("billing", "billing_1"), "billing.billing_1"},
		{RouteEvent("billing", "paid"), "billing.paid"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Fatalf("expected %v, got %v", c.want, c.got)
		}
	}
}

func TestNewUid(t *testing.T) {
	uid := NewUid("billing")
	if !strings.HasPrefix(uid, "billing_") || len(uid) != len("billing_")+8 {
		t.Fatalf("unexpected uid %v", uid)
	}
	t.Log(uid)
}
