// Package dcartest runs an isolated, throwaway D-Bus daemon for
// integration tests, so that tests never touch the developer's real
// session or system bus.
package dcartest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	dbus "github.com/opendcar/dcar"

	_ "embed"
)

//go:embed dbus.config
var daemonConfig string

// Available reports whether dbus-daemon is installed, without which
// no test bus can run.
func Available() bool {
	_, err := exec.LookPath("dbus-daemon")
	return err == nil
}

// Daemon is a private dbus-daemon instance scoped to one test. It is
// stopped automatically when the test finishes.
type Daemon struct {
	cmd    *exec.Cmd
	sock   string
	stop   chan struct{}
	exited chan struct{}
}

// Start launches a dbus-daemon dedicated to the calling test,
// skipping the test if no daemon binary is available.
func Start(t *testing.T) *Daemon {
	t.Helper()
	if !Available() {
		t.Skip("dbus-daemon not available, cannot run test bus")
	}

	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "bus.config")
	if err := os.WriteFile(cfgPath, []byte(daemonConfig), 0o600); err != nil {
		t.Fatalf("writing bus config: %v", err)
	}

	d := &Daemon{
		sock:   filepath.Join(tmp, "bus.sock"),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	d.cmd = exec.Command("dbus-daemon",
		"--config-file="+cfgPath,
		"--nofork", "--nopidfile", "--nosyslog",
		"--address=unix:path="+d.sock)
	d.cmd.Stdout = os.Stderr
	d.cmd.Stderr = os.Stderr
	if err := d.cmd.Start(); err != nil {
		t.Fatalf("starting dbus-daemon: %v", err)
	}
	t.Cleanup(d.close)

	go func() {
		defer close(d.exited)
		err := d.cmd.Wait()
		select {
		case <-d.stop:
		default:
			t.Errorf("dbus-daemon exited prematurely: %v", err)
		}
	}()

	// The daemon creates its socket after it finishes reading its
	// config; poll for it rather than racing the first Dial.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		if _, err := os.Stat(d.sock); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("waiting for bus socket: %v", err)
		}
		if ctx.Err() != nil {
			t.Fatal("dbus-daemon did not create its socket in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return d
}

func (d *Daemon) close() {
	close(d.stop)
	d.cmd.Process.Kill()
	select {
	case <-d.exited:
	case <-time.After(10 * time.Second):
	}
}

// Address returns a bus address string pointing at the daemon's
// socket, suitable for dbus.Dial.
func (d *Daemon) Address() string {
	return "unix:path=" + d.sock
}

// MustDial connects a fresh Bus to the daemon, failing the test if
// the connection or Hello handshake does not succeed.
func (d *Daemon) MustDial(t *testing.T) *dbus.Bus {
	t.Helper()
	bus, err := dbus.Dial(d.Address())
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { bus.Disconnect() })
	return bus
}
