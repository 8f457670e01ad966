package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/banshee-data/teleop.link/internal/config"
	"github.com/banshee-data/teleop.link/internal/db"
	"github.com/banshee-data/teleop.link/internal/monitoring"
	"github.com/banshee-data/teleop.link/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to JSON config file (built-in defaults when empty)")
	listen       = flag.String("listen", "", "Control UDP address, e.g. :3333 (overrides config)")
	adminListen  = flag.String("admin-listen", "", "Admin HTTP address; empty string disables (overrides config)")
	actuatorKind = flag.String("actuator", "", "Actuator sink: serial, udp or disabled (overrides config)")
	serialPort   = flag.String("port", "", "Actuator serial port (overrides config)")
	udpTarget    = flag.String("udp-target", "", "Simulator address for -actuator=udp (overrides config)")
	dbPath       = flag.String("db", "", "Session event database; empty string disables (overrides config)")
	logFile      = flag.String("log-file", "", "Also write logs to this size-rotated file (overrides config)")
	debug        = flag.Bool("debug", false, "Log every dropped or malformed datagram")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: teleop [flags] [command]

Commands:
  (none)     Run the control plane
  migrate    Manage the session event database schema (see: teleop migrate help)
  status     Print the session state of a running instance
  ports      List serial ports

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetDebug(*debug)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyOverrides(cfg, visitedFlags())
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "migrate":
			if err := db.RunMigrateCommand(args[1:], cfg.GetDBPath(), os.Stdout); err != nil {
				log.Fatalf("migrate: %v", err)
			}
		case "status":
			if err := runStatusCommand(args[1:], cfg, os.Stdout); err != nil {
				log.Fatalf("status: %v", err)
			}
		case "ports":
			if err := runPortsCommand(os.Stdout); err != nil {
				log.Fatalf("ports: %v", err)
			}
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
			flag.Usage()
			os.Exit(2)
		}
		return
	}

	os.Exit(run(cfg))
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return &config.Config{}, nil
	}
	return config.LoadConfig(path)
}

func visitedFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// applyOverrides copies explicitly set flags over the file config. Flags left
// at their defaults do not override, so an empty -db= can still disable the
// database.
func applyOverrides(cfg *config.Config, set map[string]bool) {
	if set["listen"] {
		host, port, err := splitListen(*listen)
		if err != nil {
			log.Fatalf("Invalid -listen %q: %v", *listen, err)
		}
		cfg.ListenAddress = &host
		cfg.UDPPort = &port
	}
	if set["admin-listen"] {
		cfg.AdminListen = adminListen
	}
	if set["db"] {
		cfg.DBPath = dbPath
	}
	if set["log-file"] {
		cfg.LogFile = logFile
	}
	if set["actuator"] || set["port"] || set["udp-target"] {
		if cfg.Actuator == nil {
			cfg.Actuator = &config.ActuatorConfig{}
		}
	}
	if set["actuator"] {
		cfg.Actuator.Kind = actuatorKind
	}
	if set["port"] {
		cfg.Actuator.Port = serialPort
	}
	if set["udp-target"] {
		cfg.Actuator.UDPAddress = udpTarget
	}
}
