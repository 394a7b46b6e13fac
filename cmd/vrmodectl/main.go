// vrmodectl is the control CLI for vrmoded.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vrmoded/internal/config"
	"vrmoded/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file, used to find the socket")
	socketPath = flag.String("socket", "", "path to the daemon socket (overrides -config)")
	jsonOutput = flag.Bool("json", false, "print results as JSON")
	timeout    = flag.Duration("timeout", 10*time.Second, "request timeout")
)

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, client *ipc.IPCClient, args []string) error
}

var commands = map[string]command{
	"status":       {"status", "Show coordinator and daemon status", cmdStatus},
	"enable":       {"enable <pkg/class> [-scope N] [-caller pkg/class]", "Enable VR mode with a listener", cmdEnable},
	"disable":      {"disable", "Disable VR mode", cmdDisable},
	"sleep":        {"sleep on|off", "Report device sleep state", cmdSleep},
	"screen":       {"screen on|off", "Report screen state", cmdScreen},
	"validate":     {"validate <pkg/class> [-scope N]", "Check a listener against the registry", cmdValidate},
	"current":      {"current <pkg/class> [-scope N]", "Report whether a listener is bound", cmdCurrent},
	"dump":         {"dump", "Print recent mode transitions", cmdDump},
	"grants":       {"grants [-history N]", "List permission grants", cmdGrants},
	"switch-scope": {"switch-scope N", "Change the active scope", cmdSwitchScope},
	"watch":        {"watch", "Stream mode change events until interrupted", cmdWatch},
}

var order = []string{"status", "enable", "disable", "sleep", "screen", "validate", "current", "dump", "grants", "switch-scope", "watch"}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	name := flag.Arg(0)
	if name == "help" {
		usage()
		return
	}
	if name == "version" {
		fmt.Println("vrmodectl", Version)
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, cmd, flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintln(os.Stderr, "  Start the daemon with: vrmoded")
		}
		os.Exit(1)
	}
}

func execute(ctx context.Context, cmd command, args []string) error {
	socket, err := resolveSocket()
	if err != nil {
		return err
	}

	cfg := ipc.DefaultClientConfig(socket)
	cfg.ClientVersion = Version
	cfg.RequestTimeout = *timeout
	client := ipc.NewClient(cfg)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	return cmd.run(ctx, client, args)
}

func resolveSocket() (string, error) {
	if *socketPath != "" {
		return *socketPath, nil
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.IPC.SocketPath, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `vrmodectl - Control utility for vrmoded

Usage: vrmodectl [options] <command> [args]

Commands:`)
	for _, name := range order {
		c := commands[name]
		fmt.Fprintf(os.Stderr, "  %-50s %s\n", c.usage, c.help)
	}
	fmt.Fprintln(os.Stderr, `
Options:`)
	flag.PrintDefaults()
}
