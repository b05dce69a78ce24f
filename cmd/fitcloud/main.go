package main

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfit-tools/fitcloud-cli/internal/config"
	interrors "github.com/openfit-tools/fitcloud-cli/internal/errors"
)

const appName = "fitcloud"

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, interrors.ErrMFARequired) {
			fmt.Fprintln(os.Stderr, "MFA required: run \"fitcloud login --suspend\" then \"fitcloud mfa <code>\"")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("Recovered from panic: %v", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	cfg := config.New()
	configureLogging(cfg.GetLogLevel())

	if len(args) == 0 || args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		usage()
		return nil
	}

	command, ok := commands[args[0]]
	if !ok {
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
	return command.run(cfg, args[1:])
}

func configureLogging(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(parsed)
}

func usage() {
	displayAppname(appName)
	fmt.Println("Usage: fitcloud <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	for _, name := range commandOrder {
		fmt.Printf("  %-10s %s\n", name, commands[name].summary)
	}
	fmt.Println()
	fmt.Println("Configuration: ~/.fitcloud/config.yaml, FITCLOUD_* environment variables, flags.")
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
