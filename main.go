// main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/harmonia-project/harmonia/internal/app"
	"github.com/harmonia-project/harmonia/internal/config"
	"github.com/harmonia-project/harmonia/internal/engine"
	"github.com/harmonia-project/harmonia/internal/version"
)

var (
	showHelp    = flag.Bool("h", false, "Show help")
	showVersion = flag.Bool("version", false, "Show version")
	cfgFlag     = flag.String("config", "", "Config file path (default: per-user config dir)")
	addrFlag    = flag.String("addr", "", "Admin surface listen address (overrides config)")
	disableLink = flag.Bool("disable-link", false, "Run without the network timeline (solo mode)")
	openFlag    = flag.Bool("open", false, "Open the admin surface in the default browser")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("harmonia %s\n", version.String())
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: bad log level %q\n", *logLevel)
		os.Exit(1)
	}

	cfgPath := *cfgFlag
	if cfgPath == "" {
		var err error
		cfgPath, err = config.DefaultPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: locate config dir: %v\n", err)
			os.Exit(1)
		}
	}
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		os.Exit(1)
	}
	if *addrFlag != "" {
		cfg.Server.HTTPAddr = *addrFlag
	}
	if *disableLink {
		cfg.Link.Disable = true
		cfg.Groups.Disable = true
	}

	printBanner(cfgPath, created, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		CfgPath:     cfgPath,
		Cfg:         cfg,
		OpenBrowser: *openFlag,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, engine.ErrNoBackend) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println("Harmonia - decentralized laptop-orchestra player")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  harmonia [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h             Show this help message")
	fmt.Println("  -version       Show version information")
	fmt.Println("  -config PATH   Config file (created with defaults when missing)")
	fmt.Println("  -addr ADDR     Admin surface listen address, e.g. 127.0.0.1:20812")
	fmt.Println("  -disable-link  Run solo: no multicast timeline, no group protocol")
	fmt.Println("  -open          Open the admin surface in the default browser")
	fmt.Println("  -log-level L   debug, info, warn or error")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Join the ensemble on the local network")
	fmt.Println("  harmonia")
	fmt.Println()
	fmt.Println("  # Practice alone with the admin surface open")
	fmt.Println("  harmonia -disable-link -open")
}

func printBanner(cfgPath string, created bool, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   Harmonia  ·  tutti                   ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Version:     %s\n", version.String())
	fmt.Printf("Config File: %s\n", cfgPath)
	if created {
		fmt.Println("             (created with defaults)")
	}
	addr := cfg.Server.HTTPAddr
	if addr != "" && addr[0] == ':' {
		addr = "127.0.0.1" + addr
	}
	fmt.Printf("Admin:       http://%s\n", addr)
	if cfg.Link.Disable {
		fmt.Println("Mode:        solo (network timeline disabled)")
	} else {
		fmt.Printf("Link:        multicast port %d, groups port %d, quantum %g\n",
			cfg.Link.Port, cfg.Groups.Port, cfg.Groups.Quantum)
	}
	fmt.Println()
	fmt.Println("Starting node... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
