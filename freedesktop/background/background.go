// Package background provides an interface to the Freedesktop Flatpak
// background applications monitor.
//
// This corresponds to the org.freedesktop.background.Monitor service
// on the session bus, which provides a way to find out what Flatpak
// applications are running with no visible GUI.
package background

import (
	"time"

	dbus "github.com/opendcar/dcar"
)

type Monitor struct{ iface dbus.Interface }

// New returns an interface to the Flatpak background applications
// monitor.
func New(bus *dbus.Bus) Monitor {
	obj := bus.Peer("org.freedesktop.background.Monitor").Object("/org/freedesktop/background/monitor")
	return Interface(obj)
}

// Interface returns a Monitor on the given object.
func Interface(obj dbus.Object) Monitor {
	return Monitor{
		iface: obj.Interface("org.freedesktop.background.Monitor"),
	}
}

// App is a Flatpak application running in the background.
type App struct {
	// ID is the application's Flatpak ID.
	ID string
	// Instance is the application instance's ID.
	Instance string
	// Status is a status message provided by the application.
	Status string

	// Unknown collects any entries of the vardict this package does
	// not understand.
	Unknown map[string]any
}

func appFromDict(d map[any]any) App {
	var a App
	a.Unknown = map[string]any{}
	for k, rawV := range d {
		key, _ := k.(string)
		v := rawV
		if variant, ok := rawV.(dbus.Variant); ok {
			v = variant.Value
		}
		switch key {
		case "app_id":
			a.ID, _ = v.(string)
		case "instance":
			a.Instance, _ = v.(string)
		case "message":
			a.Status, _ = v.(string)
		default:
			a.Unknown[key] = v
		}
	}
	return a
}

// BackgroundApps returns a list of Flatpak applications running in
// the background.
func (iface Monitor) BackgroundApps(timeout time.Duration) ([]App, error) {
	raw, err := iface.iface.GetProperty("BackgroundApps", timeout)
	if err != nil {
		return nil, err
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, dbus.MessageError{Reason: "BackgroundApps property was not an array"}
	}
	apps := make([]App, 0, len(arr))
	for _, e := range arr {
		d, ok := e.(map[any]any)
		if !ok {
			continue
		}
		apps = append(apps, appFromDict(d))
	}
	return apps, nil
}

// BackgroundAppsChanged signals that the list of background apps has
// changed, carried in the body of a PropertiesChanged signal naming
// "BackgroundApps".
type BackgroundAppsChanged struct {
	Apps []App
}
