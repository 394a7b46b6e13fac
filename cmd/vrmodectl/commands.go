package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"vrmoded/internal/ipc"
)

var out io.Writer = os.Stdout

func printJSON(v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdStatus(ctx context.Context, client *ipc.IPCClient, _ []string) error {
	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(st)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Version\t%s\n", st.Version)
	fmt.Fprintf(w, "Uptime\t%s\n", st.Uptime.Round(time.Second))
	fmt.Fprintf(w, "Clients\t%d\n", st.Clients)
	fmt.Fprintf(w, "Enabled\t%t\n", st.Enabled)
	fmt.Fprintf(w, "Allowed\t%t (gate %s)\n", st.Allowed, st.Gate)
	fmt.Fprintf(w, "Scope\t%d\n", st.Scope)
	fmt.Fprintf(w, "Listener\t%s\n", orNone(st.Listener.String()))
	fmt.Fprintf(w, "Connection\t%s (%d queued)\n", st.Connection, st.QueuedCalls)
	fmt.Fprintf(w, "Caller\t%s\n", orNone(st.Caller.String()))
	fmt.Fprintf(w, "Grants applied\t%t\n", st.GrantsApplied)
	if st.Pending != nil {
		fmt.Fprintf(w, "Pending\tenabled=%t listener=%s scope=%d\n",
			st.Pending.Enabled, orNone(st.Pending.Target.String()), st.Pending.Scope)
	}
	fmt.Fprintf(w, "Observers\t%d\n", st.Observers)
	fmt.Fprintf(w, "Transitions\t%d\n", st.Transitions)
	return w.Flush()
}

func cmdEnable(ctx context.Context, client *ipc.IPCClient, args []string) error {
	fs := flag.NewFlagSet("enable", flag.ContinueOnError)
	scope := fs.Int("scope", 0, "scope of the listener")
	caller := fs.String("caller", "", "calling component, pkg/class")
	listener, err := parseListenerArgs(fs, args)
	if err != nil {
		return err
	}

	valid, err := client.RequestMode(ctx, true, listener, *scope, *caller)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(ipc.RequestModeResponse{Valid: valid})
	}
	if !valid {
		return fmt.Errorf("%s is not a valid listener for scope %d; VR mode stays off", listener, *scope)
	}
	fmt.Fprintf(out, "VR mode enabled with %s\n", listener)
	return nil
}

func cmdDisable(ctx context.Context, client *ipc.IPCClient, _ []string) error {
	if _, err := client.RequestMode(ctx, false, "", 0, ""); err != nil {
		return err
	}
	fmt.Fprintln(out, "VR mode disable requested")
	return nil
}

func cmdSleep(ctx context.Context, client *ipc.IPCClient, args []string) error {
	on, err := parseOnOff(args)
	if err != nil {
		return err
	}
	return client.SetSleeping(ctx, on)
}

func cmdScreen(ctx context.Context, client *ipc.IPCClient, args []string) error {
	on, err := parseOnOff(args)
	if err != nil {
		return err
	}
	return client.SetScreenOn(ctx, on)
}

func cmdValidate(ctx context.Context, client *ipc.IPCClient, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	scope := fs.Int("scope", 0, "scope of the listener")
	listener, err := parseListenerArgs(fs, args)
	if err != nil {
		return err
	}

	res, err := client.ValidateCandidate(ctx, listener, *scope)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(res)
	}
	fmt.Fprintf(out, "%s: %s\n", listener, res.Result)
	return nil
}

func cmdCurrent(ctx context.Context, client *ipc.IPCClient, args []string) error {
	fs := flag.NewFlagSet("current", flag.ContinueOnError)
	scope := fs.Int("scope", 0, "scope of the listener")
	listener, err := parseListenerArgs(fs, args)
	if err != nil {
		return err
	}

	current, err := client.IsCurrentService(ctx, listener, *scope)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(ipc.IsCurrentServiceResponse{Current: current})
	}
	fmt.Fprintf(out, "%t\n", current)
	return nil
}

func cmdDump(ctx context.Context, client *ipc.IPCClient, _ []string) error {
	recs, err := client.Dump(ctx)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No transitions recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tENABLED\tLISTENER\tSCOPE\tCALLER\tGRANTS")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%t\t%s\t%d\t%s\t%t\n",
			r.Timestamp.Local().Format(time.DateTime), r.Enabled, orNone(r.Bound.String()),
			r.Scope, orNone(r.Caller.String()), r.GrantsApplied)
	}
	return w.Flush()
}

func cmdGrants(ctx context.Context, client *ipc.IPCClient, args []string) error {
	fs := flag.NewFlagSet("grants", flag.ContinueOnError)
	history := fs.Int("history", 0, "also show the last N grant changes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resp, err := client.ListGrants(ctx, *history)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return printJSON(resp)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tPACKAGE\tSCOPE\tGRANTED")
	for _, g := range resp.Grants {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", g.Kind, g.Package, g.Scope, g.GrantedAt.Local().Format(time.DateTime))
	}
	if len(resp.History) > 0 {
		fmt.Fprintln(w, "\nHISTORY")
		for _, h := range resp.History {
			fmt.Fprintf(w, "%+v\n", h)
		}
	}
	return w.Flush()
}

func cmdSwitchScope(ctx context.Context, client *ipc.IPCClient, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: vrmodectl switch-scope N")
	}
	scope, err := strconv.Atoi(args[0])
	if err != nil || scope < 0 {
		return fmt.Errorf("invalid scope %q", args[0])
	}
	return client.SwitchScope(ctx, scope)
}

func cmdWatch(ctx context.Context, client *ipc.IPCClient, _ []string) error {
	if err := client.Subscribe(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-client.Events():
			if !ok {
				return ipc.ErrConnectionLost
			}
			if *jsonOutput {
				if err := printJSON(ev); err != nil {
					return err
				}
				continue
			}
			printEvent(ev)
			if ev.Type == ipc.EventDaemonShutdown {
				return nil
			}
		}
	}
}

func printEvent(ev *ipc.Event) {
	ts := ev.Timestamp.Local().Format(time.TimeOnly)
	switch ev.Type {
	case ipc.EventModeChanged:
		var data ipc.ModeChangedEvent
		if err := ipc.Decode(ev.Data, &data); err != nil {
			fmt.Fprintf(out, "%s  mode changed (undecodable: %v)\n", ts, err)
			return
		}
		state := "off"
		if data.Enabled {
			state = "on"
		}
		fmt.Fprintf(out, "%s  vr mode %s\n", ts, state)
	case ipc.EventConfigChanged:
		fmt.Fprintf(out, "%s  configuration reloaded\n", ts)
	case ipc.EventDaemonShutdown:
		fmt.Fprintf(out, "%s  daemon shutting down\n", ts)
	default:
		fmt.Fprintf(out, "%s  event %d\n", ts, ev.Type)
	}
}

// parseListenerArgs accepts the listener before or after the flags.
func parseListenerArgs(fs *flag.FlagSet, args []string) (string, error) {
	var listener string
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		listener, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if listener == "" && fs.NArg() > 0 {
		listener = fs.Arg(0)
	}
	if listener == "" {
		return "", fmt.Errorf("usage: vrmodectl %s <pkg/class>", fs.Name())
	}
	return listener, nil
}

func parseOnOff(args []string) (bool, error) {
	if len(args) != 1 {
		return false, errors.New("expected on or off")
	}
	switch args[0] {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", args[0])
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
