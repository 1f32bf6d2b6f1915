// Package notifications provides an interface to the Freedesktop
// notifications API.
//
// This corresponds to the org.freedesktop.Notifications service on
// the session bus.
package notifications

import (
	"time"

	dbus "github.com/opendcar/dcar"
)

type Notification struct{ iface dbus.Interface }

// New returns an interface to the session's notification service.
func New(bus *dbus.Bus) Notification {
	obj := bus.Peer("org.freedesktop.Notifications").Object("/org/freedesktop/Notifications")
	return Interface(obj)
}

// Interface returns a Notification on the given object.
func Interface(obj dbus.Object) Notification {
	return Notification{
		iface: obj.Interface("org.freedesktop.Notifications"),
	}
}

func (iface Notification) CloseNotification(id uint32, timeout time.Duration) error {
	_, err := iface.iface.Call("CloseNotification", "u", []any{id}, timeout)
	return err
}

// Capabilities supported by various DEs
//
// Actions supported by Gnome
// ==========================
// actions
// body
// body-markup
// icon-static
// persistence
// sound
//
// Actions supported by KDE
// ========================
// actions
// body
// body-hyperlinks
// body-images
// body-markup
// icon-static
// inhibitions
// inline-reply
// persistence
// x-kde-display-appname
// x-kde-origin-name
// x-kde-urls

// Capabilities enumerates the optional capabilities of a notification
// service.
type Capabilities struct {
	// Actions reports whether notifications can have actions attached
	// to them. Actions trigger a signal back to the notification's
	// sender when interacted with.
	Actions bool
	// ActionIcons reports notification actions can use icons to
	// describe actions instead of text.
	ActionIcons bool
	// Body reports whether notifications can have a body, in addition
	// to a short title.
	Body bool
	// BodyLinks reports whether notification bodies can include
	// hyperlinks.
	BodyLinks bool
	// BodyImages reports whether notification bodies can include
	// images.
	BodyImages bool
	// BodyMarkup reports whether notification bodies can contain
	// notification markup, a small subset of HTML.
	BodyMarkup bool
	// Icon reports whether notifications can have an icon.
	Icon bool
	// IconAnimation reports whether the notification icon can be
	// multiple frames of animation, or just a single static frame.
	IconAnimation bool
	// Persistence reports whether notifications can be
	// persistent.
	Persistence bool
	// Sound reports whether notifications can play a sound.
	Sound bool

	// Inhibitions is a KDE-only extension reporting support for the
	// Inhibit call.
	Inhibitions bool
	// InlineReply is a KDE-only extension reporting support for
	// prompting for a text reply within the notification.
	InlineReply bool
	// ContextURLs is a KDE-only extension reporting support for URL
	// hints.
	ContextURLs bool
	// DisplayAppName is a KDE-only extension reporting support for
	// showing a pretty application name.
	DisplayAppName bool
	// DisplayOriginName is a KDE-only extension reporting support for
	// an additional "origin" display field.
	DisplayOriginName bool

	// Unknown collects the capability strings that aren't known to
	// this package.
	Unknown []string
}

// Capabilities reports the capabilities of the notification service.
func (iface Notification) Capabilities(timeout time.Duration) (caps Capabilities, err error) {
	reply, err := iface.iface.Call("GetCapabilities", "", nil, timeout)
	if err != nil {
		return Capabilities{}, err
	}
	if len(reply) == 0 {
		return Capabilities{}, nil
	}
	arr, _ := reply[0].([]any)
	for _, e := range arr {
		c, _ := e.(string)
		switch c {
		case "actions":
			caps.Actions = true
		case "action-icons":
			caps.ActionIcons = true
		case "body":
			caps.Body = true
		case "body-hyperlinks":
			caps.BodyLinks = true
		case "body-images":
			caps.BodyImages = true
		case "body-markup":
			caps.BodyMarkup = true
		case "icon-static":
			caps.Icon = true
		case "icon-multi":
			caps.Icon = true
			caps.IconAnimation = true
		case "persistence":
			caps.Persistence = true
		case "sound":
			caps.Sound = true
		case "inhibitions":
			caps.Inhibitions = true
		case "inline-reply":
			caps.InlineReply = true
		case "x-kde-display-appname":
			caps.DisplayAppName = true
		case "x-kde-origin-name":
			caps.DisplayOriginName = true
		case "x-kde-urls":
			caps.ContextURLs = true
		default:
			caps.Unknown = append(caps.Unknown, c)
		}
	}
	return caps, nil
}

// ServerInformation is the reply to GetServerInformation.
type ServerInformation struct {
	Name        string
	Vendor      string
	Version     string
	SpecVersion string
}

func (iface Notification) GetServerInformation(timeout time.Duration) (ServerInformation, error) {
	reply, err := iface.iface.Call("GetServerInformation", "", nil, timeout)
	if err != nil {
		return ServerInformation{}, err
	}
	if len(reply) != 4 {
		return ServerInformation{}, dbus.MessageError{Reason: "GetServerInformation reply had unexpected shape"}
	}
	info := ServerInformation{}
	info.Name, _ = reply[0].(string)
	info.Vendor, _ = reply[1].(string)
	info.Version, _ = reply[2].(string)
	info.SpecVersion, _ = reply[3].(string)
	return info, nil
}

func hintsDict(hints map[string]dbus.Variant) map[any]any {
	out := make(map[any]any, len(hints))
	for k, v := range hints {
		out[k] = v
	}
	return out
}

func (iface Notification) Inhibit(desktopEntry, reason string, hints map[string]dbus.Variant, timeout time.Duration) (uint32, error) {
	reply, err := iface.iface.Call("Inhibit", "ssa{sv}", []any{desktopEntry, reason, hintsDict(hints)}, timeout)
	if err != nil {
		return 0, err
	}
	if len(reply) == 0 {
		return 0, nil
	}
	v, _ := reply[0].(uint32)
	return v, nil
}

// NotifyRequest is the argument tuple of the Notify method.
type NotifyRequest struct {
	AppName    string
	ReplacesID uint32
	AppIcon    string
	Summary    string
	Body       string
	Actions    []string
	Hints      map[string]dbus.Variant
	Timeout    int32
}

func (iface Notification) Notify(req NotifyRequest, timeout time.Duration) (uint32, error) {
	actions := make([]any, len(req.Actions))
	for i, a := range req.Actions {
		actions[i] = a
	}
	args := []any{
		req.AppName, req.ReplacesID, req.AppIcon, req.Summary, req.Body,
		actions, hintsDict(req.Hints), req.Timeout,
	}
	reply, err := iface.iface.Call("Notify", "susssasa{sv}i", args, timeout)
	if err != nil {
		return 0, err
	}
	if len(reply) == 0 {
		return 0, nil
	}
	v, _ := reply[0].(uint32)
	return v, nil
}

func (iface Notification) UnInhibit(cookie uint32, timeout time.Duration) error {
	_, err := iface.iface.Call("UnInhibit", "u", []any{cookie}, timeout)
	return err
}

// Inhibited returns the value of the property "Inhibited".
func (iface Notification) Inhibited(timeout time.Duration) (bool, error) {
	v, err := iface.iface.GetProperty("Inhibited", timeout)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

// InhibitedChanged signals that the value of property "Inhibited" has
// changed.
type InhibitedChanged struct{ Inhibited bool }

// ActionInvoked implements the signal
// org.freedesktop.Notifications.ActionInvoked.
type ActionInvoked struct {
	ID        uint32
	ActionKey string
}

// ActionInvokedFrom decodes an ActionInvoked signal's body.
func ActionInvokedFrom(args []any) (ActionInvoked, bool) {
	if len(args) != 2 {
		return ActionInvoked{}, false
	}
	id, ok1 := args[0].(uint32)
	key, ok2 := args[1].(string)
	return ActionInvoked{ID: id, ActionKey: key}, ok1 && ok2
}

// NotificationClosed implements the signal
// org.freedesktop.Notifications.NotificationClosed.
type NotificationClosed struct {
	ID     uint32
	Reason uint32
}

// NotificationClosedFrom decodes a NotificationClosed signal's body.
func NotificationClosedFrom(args []any) (NotificationClosed, bool) {
	if len(args) != 2 {
		return NotificationClosed{}, false
	}
	id, ok1 := args[0].(uint32)
	reason, ok2 := args[1].(uint32)
	return NotificationClosed{ID: id, Reason: reason}, ok1 && ok2
}
