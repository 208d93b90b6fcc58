package router

import (
	"testing"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
)

func msg(ch envelope.Channel, addr string) envelope.InboundMessage {
	return envelope.InboundMessage{Channel: ch, ServiceAddress: addr}
}

func TestRouteResolutionOrder(t *testing.T) {
	global := RouteDecision{TenantID: "t0", EmployeeID: "fallback", Resolved: true}
	r := NewRouter(NewSnapshot([]Rule{
		{Channel: envelope.ChannelEmail, ServiceAddress: "oliver@dowhiz.com", TenantID: "t1", EmployeeID: "oliver"},
		{Channel: envelope.ChannelEmail, ServiceAddress: "*", TenantID: "t1", EmployeeID: "email-catchall"},
		{Channel: envelope.ChannelSlack, ServiceAddress: "T123", TenantID: "t2", EmployeeID: "slackbot"},
	}, &global))

	cases := []struct {
		name string
		in   envelope.InboundMessage
		want string
	}{
		{"exact", msg(envelope.ChannelEmail, "oliver@dowhiz.com"), "oliver"},
		{"exact after normalization", msg(envelope.ChannelEmail, "  Oliver@DoWhiz.com "), "oliver"},
		{"wildcard", msg(envelope.ChannelEmail, "other@dowhiz.com"), "email-catchall"},
		{"slack exact uppercased", msg(envelope.ChannelSlack, "t123"), "slackbot"},
		{"global default", msg(envelope.ChannelSms, "+15551234567"), "fallback"},
	}
	for _, c := range cases {
		if got := r.Route(c.in); got.EmployeeID != c.want || !got.Resolved {
			t.Errorf("%s: Route = %+v, want employee %q", c.name, got, c.want)
		}
	}
}

func TestRouteNoRoute(t *testing.T) {
	r := NewRouter(NewSnapshot([]Rule{
		{Channel: envelope.ChannelEmail, ServiceAddress: "oliver@dowhiz.com", TenantID: "t1", EmployeeID: "oliver"},
	}, nil))

	if got := r.Route(msg(envelope.ChannelSms, "+15550000000")); got.Resolved {
		t.Fatalf("Route = %+v, want NoRoute", got)
	}
	if got := r.Route(msg(envelope.ChannelEmail, "unknown@dowhiz.com")); got.Resolved {
		t.Fatalf("Route = %+v, want NoRoute without a wildcard", got)
	}
}

// Swap replaces the active snapshot: the same message resolves against the
// old rules before the Swap and against the new rules after it.
func TestRouterSwap(t *testing.T) {
	r := NewRouter(NewSnapshot([]Rule{
		{Channel: envelope.ChannelEmail, ServiceAddress: "a@x.com", TenantID: "t1", EmployeeID: "one"},
	}, nil))

	if got := r.Route(msg(envelope.ChannelEmail, "a@x.com")); got.EmployeeID != "one" {
		t.Fatalf("before swap: %+v", got)
	}

	r.Swap(NewSnapshot([]Rule{
		{Channel: envelope.ChannelEmail, ServiceAddress: "a@x.com", TenantID: "t1", EmployeeID: "two"},
	}, nil))

	if got := r.Route(msg(envelope.ChannelEmail, "a@x.com")); got.EmployeeID != "two" {
		t.Fatalf("after swap: %+v", got)
	}
}
