package dbus

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"
)

// localMachineID is the answer this process gives to
// org.freedesktop.DBus.Peer.GetMachineId: the contents of
// /etc/machine-id, falling back to /var/lib/dbus/machine-id. It is
// read once and cached, since the machine ID cannot change while the
// process is running.
var localMachineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})
