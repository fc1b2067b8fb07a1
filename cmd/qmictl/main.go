package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/modemctl/internal/config"
	"github.com/danmuck/modemctl/internal/logging"
	"github.com/danmuck/modemctl/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultConfigPath = "qmictl.toml"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: qmictl [-config path] <command> [args]

commands:
  discover          discover services (QMUX) or look them up (QRTR) and print them
  lookup            run a QRTR lookup regardless of the configured transport
  version           print the control version and firmware string (QMUX)
  call [-tlv t=hex]... <service> <msg-id>
                    send one raw request and print the response records
  serve             keep the transport open and serve /health /ready /services /metrics
  config init       write a commented config template
  config show       print the effective config
`)
}

func main() {
	configPath := flag.String("config", "", "config file (default "+defaultConfigPath+" when present)")
	debug := flag.Bool("debug", false, "log every frame at trace level")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if args[0] == "config" {
		if err := runConfig(*configPath, args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "qmictl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qmictl: %v\n", err)
		os.Exit(1)
	}
	configureLogging(cfg, *debug)
	observability.InitLogger("qmictl")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "discover":
		err = runDiscover(ctx, cfg, *debug)
	case "lookup":
		cfg.Transport = config.TransportQRTR
		err = runDiscover(ctx, cfg, *debug)
	case "version":
		err = runVersion(ctx, cfg, *debug)
	case "call":
		err = runCall(ctx, cfg, *debug, args[1:])
	case "serve":
		err = runServe(ctx, cfg, *debug)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Str("command", args[0]).Msg("command failed")
		os.Exit(1)
	}
}

// loadConfig reads path, or the default path when it exists, or defaults.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			return config.Default(), nil
		}
		path = defaultConfigPath
	}
	return config.Load(path)
}

func configureLogging(cfg config.Config, debug bool) {
	logging.ConfigureWith(logging.ProfileRuntime, func(lc *logging.Config) {
		if lvl, ok := logging.ParseLevel(cfg.Log.Level); ok {
			lc.Level = lvl
		}
		if debug {
			lc.Level = zerolog.TraceLevel
		}
		lc.File = cfg.Log.File
	})
}

func runConfig(path string, args []string) error {
	if len(args) == 0 {
		return errors.New("config: expected init or show")
	}
	switch args[0] {
	case "init":
		fs := flag.NewFlagSet("config init", flag.ContinueOnError)
		force := fs.Bool("force", false, "overwrite an existing file")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		target := path
		if fs.NArg() > 0 {
			target = fs.Arg(0)
		}
		if target == "" {
			target = defaultConfigPath
		}
		if err := config.WriteTemplate(target, *force); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", target)
		return nil
	case "show":
		cfg, err := loadConfig(path)
		if err != nil {
			return err
		}
		b, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(b)
		return err
	default:
		return fmt.Errorf("config: unknown subcommand %q", args[0])
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
