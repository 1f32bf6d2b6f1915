package dbus

import "testing"

func TestSignalsRegistry(t *testing.T) {
	s := newSignals()
	rule := NewMatchRule().WithInterface("a.b").WithSignalName("X")
	handler := func(MessageInfo) {}

	id, err := s.Add(rule, handler)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id == 0 {
		t.Error("Add returned id 0")
	}

	if _, err := s.Add(rule, handler); err == nil {
		t.Error("Add of an identical (rule, handler) pair succeeded, want error")
	}

	// Same rule with a different handler is a distinct registration.
	if _, err := s.Add(rule, func(MessageInfo) {}); err != nil {
		t.Errorf("Add of same rule with a new handler: %v", err)
	}

	s.Remove(id)
	s.Remove(id) // idempotent

	if _, err := s.Add(rule, handler); err != nil {
		t.Errorf("Add after Remove: %v", err)
	}
}

func TestMethodsRegistry(t *testing.T) {
	m := newMethods()
	handler := func(*Bus, MessageInfo) MethodResult { return MethodResult{} }

	id, err := m.Add("/obj", "a.b", "Frob", handler, "s")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := m.Add("/obj", "a.b", "Frob", handler, "s"); err == nil {
		t.Error("Add of a duplicate (path, iface, member) succeeded, want error")
	}

	if _, err := m.Add("/obj", "bad iface", "Frob", handler, ""); err == nil {
		t.Error("Add with a malformed interface name succeeded, want error")
	}
	if _, err := m.Add("bad path", "a.b", "Frob", handler, ""); err == nil {
		t.Error("Add with a malformed path succeeded, want error")
	}
	if _, err := m.Add("/obj", "a.b", "bad.member", handler, ""); err == nil {
		t.Error("Add with a malformed member name succeeded, want error")
	}

	if _, sig, ok := m.Find("/obj", "a.b", "Frob"); !ok || sig != "s" {
		t.Errorf("Find = (sig %q, ok %v), want (s, true)", sig, ok)
	}

	// A call with no interface matches any registration for
	// (path, *, member).
	if _, _, ok := m.Find("/obj", "", "Frob"); !ok {
		t.Error("Find with empty interface did not match")
	}

	if _, _, ok := m.Find("/obj", "a.b", "Missing"); ok {
		t.Error("Find of an unregistered member matched")
	}

	m.Remove(id)
	m.Remove(id) // idempotent
	if _, _, ok := m.Find("/obj", "a.b", "Frob"); ok {
		t.Error("Find matched after Remove")
	}
}
