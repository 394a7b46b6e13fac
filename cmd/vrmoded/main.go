// vrmoded coordinates VR mode: which listener service is bound, which
// permissions it holds, and whether the device may be in VR mode at all.
//
//	vrmoded [-config path] [-log-level level]
//	vrmoded -init          Write the default configuration and exit
//	vrmoded -version       Print the version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vrmoded/internal/config"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file (default: $VRMODED_CONFIG or the XDG/system location)")
	logLevel   = flag.String("log-level", "", "override the configured log level")
	initConfig = flag.Bool("init", false, "write the default configuration and exit")
	version    = flag.Bool("version", false, "print the version and exit")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Println("vrmoded", Version)
		return
	}

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}

	if *initConfig {
		_, created, err := config.LoadOrCreate(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if created {
			fmt.Printf("Wrote default configuration to %s\n", path)
		} else {
			fmt.Printf("Configuration already exists at %s\n", path)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, path, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "vrmoded: %v\n", err)
		os.Exit(1)
	}
}
