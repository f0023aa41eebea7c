// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the personaguard binary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/personaguard/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type globalFlags struct {
	ConfigArgs []string
	ConfigPath string
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage(os.Stdout)
		return
	}

	cmd := args[0]
	if cmd == "help" {
		printUsage(os.Stdout)
		return
	}
	if cmd == "version" {
		ensureNoArgs(args[1:])
		printVersion(os.Stdout)
		return
	}

	cfg, err := config.LoadWithCLI(global.ConfigArgs)
	if err != nil {
		fatal(fmt.Errorf("load config: %w", err))
	}

	switch cmd {
	case "serve":
		ensureNoArgs(args[1:])
		if err := runServe(ctx, global, cfg); err != nil {
			fatal(err)
		}
	case "simulate":
		opts, err := parseSimulateFlags(args[1:])
		if err != nil {
			fatal(err)
		}
		if err := runSimulate(ctx, cfg, opts, os.Stdout); err != nil {
			fatal(err)
		}
	case "check-config":
		ensureNoArgs(args[1:])
		if err := runCheckConfig(cfg, global.JSON, os.Stdout); err != nil {
			fatal(err)
		}
	default:
		fatal(fmt.Errorf("unknown command %q", cmd))
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var flags globalFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config", arg == "--set", arg == "--profile", arg == "--env":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for %s", arg)
			}
			if arg == "--config" {
				flags.ConfigPath = args[i+1]
			}
			flags.ConfigArgs = append(flags.ConfigArgs, arg, args[i+1])
			i++
		case strings.HasPrefix(arg, "--config="):
			flags.ConfigPath = strings.TrimPrefix(arg, "--config=")
			flags.ConfigArgs = append(flags.ConfigArgs, arg)
		case strings.HasPrefix(arg, "--set="), strings.HasPrefix(arg, "--profile="), strings.HasPrefix(arg, "--env="):
			flags.ConfigArgs = append(flags.ConfigArgs, arg)
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

// runCheckConfig prints the effective configuration as YAML, or JSON when
// asJSON is set. Secrets are masked.
func runCheckConfig(cfg *config.Config, asJSON bool, w io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	red := cfg.Redacted()
	if asJSON {
		return writeJSON(w, red)
	}
	payload, err := yaml.Marshal(red)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = w.Write(payload)
	return err
}

func writeJSON(w io.Writer, value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(payload))
	return err
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, version)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `personaguard: resilience and observability layer for persona services

Usage:
  personaguard [global flags] <command> [args]

Global flags:
  --config <path>      YAML configuration file
  --profile <name>     Merge <config>.<name>.yaml over the base file (alias --env)
  --set key=value      Override config (repeatable)
  --json               JSON logs for serve and JSON output for check-config

Commands:
  serve                Run the admin API, gRPC health, metrics ticks and config watcher
  simulate [flags]     Drive synthetic traffic through the retry executor
      --calls N            Number of logical calls (default 200)
      --failure-rate F     Probability an attempt fails, 0-1 (default 0.3)
      --seed N             Random seed (default 1)
      --real-delays        Honour retry delays instead of skipping them
  check-config         Validate and print the effective configuration
  version              Print the version`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func ensureNoArgs(args []string) {
	if len(args) > 0 {
		fatal(fmt.Errorf("unexpected args: %v", args))
	}
}
