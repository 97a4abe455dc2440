package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdobak/go-xerrors"

	"rfwatch/utils"
)

const usage = "Expected 'serve' or 'replay' subcommand"

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	logger := utils.GetLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		configPath := serveCmd.String("config", "", "Path to YAML config (defaults to $RFWATCH_CONFIG)")
		port := serveCmd.Int("p", 0, "Port to use (overrides config)")
		serveCmd.Parse(os.Args[2:])
		err = serve(ctx, *configPath, *port)
	case "replay":
		replayCmd := flag.NewFlagSet("replay", flag.ExitOnError)
		configPath := replayCmd.String("config", "", "Path to YAML config (defaults to $RFWATCH_CONFIG)")
		file := replayCmd.String("file", "", "JSON file with one signal or an array of signals")
		replayCmd.Parse(os.Args[2:])
		if *file == "" {
			fmt.Println("replay requires -file")
			os.Exit(1)
		}
		err = replay(ctx, *configPath, *file, os.Stdout)
	default:
		fmt.Println(usage)
		os.Exit(1)
	}

	if err != nil {
		logger.ErrorContext(ctx, "command failed", slog.String("command", os.Args[1]), slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}
}
