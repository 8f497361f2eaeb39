package route

import "testing"

func TestTable_Resolve_ExactShadowsWildcard(t *testing.T) {
	t.Parallel()

	var tbl Table
	tbl.Add(Route{Service: "crm", Tool: Wildcard, Protocol: "ratelimit", Instance: "rl-default"}, ModeAnd)
	tbl.Add(Route{Service: "crm", Tool: "delete_record", Protocol: "approval", Instance: "ap-default"}, ModeAnd)

	g, ok := tbl.Resolve("crm", "delete_record")
	if !ok {
		t.Fatal("Resolve() returned no group")
	}
	if len(g.Routes) != 1 || g.Routes[0].Protocol != "approval" {
		t.Errorf("exact entry must shadow wildcard, got %+v", g.Routes)
	}

	g, ok = tbl.Resolve("crm", "send_email")
	if !ok {
		t.Fatal("Resolve() wildcard fallback returned no group")
	}
	if g.Routes[0].Protocol != "ratelimit" {
		t.Errorf("wildcard fallback got %+v", g.Routes)
	}
}

func TestTable_Resolve_UnknownService(t *testing.T) {
	t.Parallel()

	var tbl Table
	if _, ok := tbl.Resolve("nowhere", "x"); ok {
		t.Error("Resolve() on empty table should not match")
	}
}

func TestTable_Add_GroupOrderAndMode(t *testing.T) {
	t.Parallel()

	var tbl Table
	tbl.Add(Route{Service: "pay", Tool: "transfer", Instance: "a"}, ModeOr)
	tbl.Add(Route{Service: "pay", Tool: "transfer", Instance: "b"}, ModeAnd)

	g, _ := tbl.Resolve("pay", "transfer")
	if g.Compose != ModeOr {
		t.Errorf("Compose = %q, want first-registered mode %q", g.Compose, ModeOr)
	}
	if len(g.Routes) != 2 || g.Routes[0].Instance != "a" || g.Routes[1].Instance != "b" {
		t.Errorf("registration order not preserved: %+v", g.Routes)
	}
}
