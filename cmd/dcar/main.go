// Command dcar is a small command-line client for the D-Bus message
// bus, built on the github.com/opendcar/dcar library.
package main

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/kr/pretty"
	dbus "github.com/opendcar/dcar"
	"github.com/opendcar/dcar/freedesktop/background"
)

var globalArgs struct {
	UseSessionBus bool          `flag:"session,Connect to session bus instead of system bus"`
	Names         string        `flag:"names,Comma-separated list of bus names to claim"`
	Timeout       time.Duration `flag:"timeout,default=10s,Timeout for bus calls"`
}

func busConn() (*dbus.Bus, error) {
	addr := "system"
	if globalArgs.UseSessionBus {
		addr = "session"
	}
	bus, err := dbus.Dial(addr)
	if err != nil {
		return nil, err
	}

	if globalArgs.Names == "" {
		return bus, nil
	}

	for _, n := range strings.Split(globalArgs.Names, ",") {
		reply, err := bus.RequestName(n, dbus.NameAllowReplacement, globalArgs.Timeout)
		if err != nil {
			bus.Disconnect()
			return nil, fmt.Errorf("claiming name %q: %w", n, err)
		}
		fmt.Printf("requested name %s: %s\n", n, reply)
	}

	return bus, nil
}

func main() {
	root := &command.C{
		Name:     "dcar",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "list",
				Usage: "list args...",
				Commands: []*command.C{
					{
						Name:  "peers",
						Usage: "list peers",
						Help:  "List peers connected to the bus.",
						Run:   command.Adapt(runListPeers),
					},
					{
						Name:  "interfaces",
						Usage: "list interfaces [peer] [object] [interface]",
						Help: `List bus interfaces.

With no arguments, enumerates all discoverable interfaces on named bus
services. Unique bus names (like ":1.234") are skipped because many of
them do not expect to be sent RPCs, and do not respond correctly.

With one argument, enumerate all objects of the given peer and the
interfaces they implement.

With two arguments, enumerate all interfaces on the given peer and
object.

With three arguments, list only the exact peer, object and interface
specified.`,
						Run: runListInterfaces,
					},
					{
						Name:  "props",
						Usage: "list props [peer] [object] [interface] [property]",
						Help:  "List properties.",
						Run:   runListProps,
					},
				},
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "whois",
				Usage: "whois peer",
				Help:  "Get a peer's connection credentials.",
				Run:   command.Adapt(runWhois),
			},
			{
				Name:  "listen",
				Usage: "listen",
				Help:  "Listen to bus signals.",
				Run:   command.Adapt(runListen),
			},
			{
				Name:  "features",
				Usage: "features",
				Help:  "List the message bus's feature flags.",
				Run:   command.Adapt(runFeatures),
			},
			{
				Name:  "serve-peer",
				Usage: "serve-peer",
				Help: `Serve the org.freedesktop.DBus.Peer interface.

The interface is implemented on all objects.

For best results, combine with --names to register a service name on the bus that other tools can target.`,
				Run: command.Adapt(runServePeer),
			},
			{
				Name:  "freedesktop",
				Usage: "freedesktop args...",
				Commands: []*command.C{
					{
						Name:  "background",
						Usage: "background args...",
						Commands: []*command.C{
							{
								Name:  "list",
								Usage: "list",
								Help:  "List flatpak apps that are running in the background",
								Run:   command.Adapt(runFdoBackgroundList),
							},
						},
					},
				},
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runListPeers(env *command.Env) error {
	bus, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer bus.Disconnect()

	names, err := bus.ListNames(globalArgs.Timeout)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	aliases := map[string][]string{}
	for _, n := range names {
		if strings.HasPrefix(n, ":") {
			continue
		}
		owner, err := bus.GetNameOwner(n, globalArgs.Timeout)
		if err != nil {
			fmt.Printf("Getting owner of %s: %v\n", n, err)
			continue
		}
		aliases[owner] = append(aliases[owner], n)
		aliases[n] = []string{owner}
	}
	for _, a := range aliases {
		slices.Sort(a)
	}
	for _, n := range names {
		alias := aliases[n]
		if len(alias) == 0 {
			fmt.Println(n)
		} else {
			fmt.Printf("%s (%s)\n", n, strings.Join(alias, ", "))
		}
	}
	return nil
}

func runListInterfaces(env *command.Env) error {
	bus, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer bus.Disconnect()

	args := growTo(env.Args, 3)

	var out indenter
	var prevPeer, prevPath string
	for p, err := range listPeers(bus, args[0], globalArgs.Timeout) {
		if err != nil {
			out.v(err)
			continue
		}
		owner, err := bus.GetNameOwner(p.Name(), globalArgs.Timeout)
		if err != nil {
			owner = fmt.Sprintf("getting owner: %v", err)
		}
		for iface, err := range listInterfaces(p, args[1], args[2], globalArgs.Timeout) {
			if err != nil {
				out.v(err)
				continue
			}
			obj := iface.Object()
			if obj.Peer().Name() != prevPeer {
				out.indent(0)
				if prevPeer != "" {
					out.s("")
				}
				out.f("%s (%s)", obj.Peer().Name(), owner)
				out.indent(1)
				out.v(obj.Path())
				out.indent(2)
			} else if string(obj.Path()) != prevPath {
				out.indent(1)
				out.v(obj.Path())
				out.indent(2)
			}
			out.v(iface.Description)
			prevPeer, prevPath = obj.Peer().Name(), string(obj.Path())
		}
	}
	return nil
}

func runListProps(env *command.Env) error {
	bus, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer bus.Disconnect()

	args := growTo(env.Args, 4)
	pf, err := regexp.Compile(args[3])
	if err != nil {
		return err
	}

	var out indenter
	var prevPeer, prevPath string
	for p, err := range listPeers(bus, args[0], globalArgs.Timeout) {
		if err != nil {
			out.indent(0)
			out.v(err)
			continue
		}
		for iface, err := range listInterfaces(p, args[1], args[2], globalArgs.Timeout) {
			if err != nil {
				out.indent(0)
				out.v(err)
				continue
			}
			if len(iface.Description.Properties) == 0 {
				continue
			}
			props, err := iface.GetAllProperties(globalArgs.Timeout)
			if err != nil {
				out.indent(0)
				out.v(fmt.Errorf("listing properties of %s: %w", iface.Name(), err))
				continue
			}
			ks := slices.Sorted(maps.Keys(props))
			ks = slices.DeleteFunc(ks, func(k string) bool { return !pf.MatchString(k) })
			if len(ks) == 0 {
				continue
			}

			obj := iface.Object()
			if obj.Peer().Name() != prevPeer {
				out.indent(0)
				out.v(obj.Peer().Name())
				out.indent(1)
				out.v(obj.Path())
			} else if string(obj.Path()) != prevPath {
				out.indent(1)
				out.v(obj.Path())
			}
			prevPeer, prevPath = obj.Peer().Name(), string(obj.Path())

			out.indent(2)
			out.v(iface.Name())
			out.indent(3)
			for _, k := range ks {
				out.f("%s: %v", k, props[k])
			}
		}
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	bus, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer bus.Disconnect()

	if err := bus.Peer(peer).Ping(globalArgs.Timeout); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	return nil
}

func runWhois(env *command.Env, peer string) error {
	bus, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer bus.Disconnect()

	creds, err := bus.Peer(peer).Identity(globalArgs.Timeout)
	if err != nil {
		return fmt.Errorf("getting credentials of %s: %w", peer, err)
	}

	if creds.PID != nil {
		fmt.Println("PID:", *creds.PID)
	}
	if creds.UID != nil {
		fmt.Println("UID:", *creds.UID)
	}
	fmt.Println("GIDs:", creds.GIDs)
	for _, k := range slices.Sorted(maps.Keys(creds.Unknown)) {
		fmt.Println(k, "(?):", creds.Unknown[k])
	}
	return nil
}

func runListen(env *command.Env) error {
	bus, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer bus.Disconnect()

	fmt.Println("Listening for signals...")
	_, err = bus.RegisterSignal(dbus.NewMatchRule(), func(info dbus.MessageInfo) {
		fmt.Printf("Signal %s.%s from %s on object %s:\n  %# v\n\n", info.Interface, info.Member, info.Sender, info.Path, pretty.Formatter(info.Args))
	}, globalArgs.Timeout)
	if err != nil {
		return fmt.Errorf("subscribing to signals: %w", err)
	}
	<-env.Context().Done()
	return nil
}

func runFeatures(env *command.Env) error {
	bus, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer bus.Disconnect()

	features, err := bus.Features(globalArgs.Timeout)
	if err != nil {
		return fmt.Errorf("listing bus features: %w", err)
	}
	slices.Sort(features)
	for _, f := range features {
		fmt.Println(f)
	}
	return nil
}

func runServePeer(env *command.Env) error {
	bus, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer bus.Disconnect()

	bus.RegisterMethod("/", "org.freedesktop.DBus.Peer", "Ping", func(b *dbus.Bus, info dbus.MessageInfo) dbus.MethodResult {
		fmt.Printf("Got ping on %s from %s\n", info.Path, info.Sender)
		return dbus.MethodResult{}
	}, "")
	bus.RegisterMethod("/", "org.freedesktop.DBus.Peer", "GetMachineId", func(b *dbus.Bus, info dbus.MessageInfo) dbus.MethodResult {
		bs, err := os.ReadFile("/etc/machine-id")
		if err != nil {
			return dbus.MethodResult{Err: &dbus.DBusError{Name: dbus.ErrFailed, Args: []any{err.Error()}}}
		}
		return dbus.MethodResult{Sig: "s", Args: []any{strings.TrimSpace(string(bs))}}
	}, "")

	fmt.Println("serving, press ctrl-c to stop")
	<-env.Context().Done()
	fmt.Println("shutdown")
	return nil
}

func runFdoBackgroundList(env *command.Env) error {
	bus, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer bus.Disconnect()

	apps, err := background.New(bus).BackgroundApps(5 * time.Second)
	if err != nil {
		return fmt.Errorf("listing background apps: %w", err)
	}
	slices.SortFunc(apps, func(a, b background.App) int {
		return cmp.Compare(a.ID, b.ID)
	})
	for _, app := range apps {
		fmt.Println(app.ID, app.Instance, app.Status)
	}
	return nil
}
