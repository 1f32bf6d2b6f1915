package dbus

import "testing"

func TestParseAddress(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{"unix:path=/run/user/1000/bus", false},
		{"unix:abstract=dbus-session", false},
		{"tcp:host=localhost,port=12345", false},
		{"nonce-tcp:host=localhost,port=12345,noncefile=/tmp/nonce", false},
		{"unix:path=/a;tcp:host=b,port=1", false},
		{"unix:path=%2fwith%20escape", false},
		{"", true},
		{"no-colon-here", true},
		{"unix:pathonly", true},
		{"unix:path=/bad;garbage", true},
		{"unix:path=%2", true},  // truncated escape
		{"unix:path=%zz", true}, // invalid escape
		{"unix:path=a b", true}, // unescaped disallowed byte
	}
	for _, tc := range tests {
		_, err := ParseAddress(tc.addr)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseAddress(%q) err = %v, wantErr %v", tc.addr, err, tc.wantErr)
		}
	}
}

func TestParseAddressEntries(t *testing.T) {
	a, err := ParseAddress("unix:path=%2Frun%2Fbus;tcp:host=h,port=7")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if len(a.entries) != 2 {
		t.Fatalf("parsed %d entries, want 2", len(a.entries))
	}
	if a.entries[0].name != "unix" || a.entries[0].params["path"] != "/run/bus" {
		t.Errorf("first entry = %q %v, want unix with decoded path", a.entries[0].name, a.entries[0].params)
	}
	if a.entries[1].name != "tcp" || a.entries[1].params["host"] != "h" || a.entries[1].params["port"] != "7" {
		t.Errorf("second entry = %q %v", a.entries[1].name, a.entries[1].params)
	}
}

func TestParseAddressSystemDefault(t *testing.T) {
	t.Setenv("DBUS_SYSTEM_BUS_ADDRESS", "")
	a, err := ParseAddress("system")
	if err != nil {
		t.Fatalf("ParseAddress(system): %v", err)
	}
	if a.BusType() != "system" {
		t.Errorf("BusType() = %q, want system", a.BusType())
	}
	if len(a.entries) != 1 || a.entries[0].name != "unix" {
		t.Errorf("system default did not resolve to a unix transport: %v", a.entries)
	}
}

func TestParseAddressSessionRequiresEnv(t *testing.T) {
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "")
	if _, err := ParseAddress("session"); err == nil {
		t.Error("ParseAddress(session) with no environment succeeded, want error")
	}

	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path=/tmp/sess")
	a, err := ParseAddress("session")
	if err != nil {
		t.Fatalf("ParseAddress(session): %v", err)
	}
	if a.entries[0].params["path"] != "/tmp/sess" {
		t.Errorf("session address = %v", a.entries[0].params)
	}
}
