package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"

	"github.com/dartworks/mesh-command/internal/log"
	"github.com/dartworks/mesh-command/pkg/cli"
	"github.com/dartworks/mesh-command/pkg/mesh"
	"github.com/dartworks/mesh-command/pkg/protocol"
)

var scanTimeout time.Duration

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] COMMAND [ARG...]\n", os.Args[0])
	fmt.Printf("\nRun %s help COMMAND for more information. Valid COMMANDs are listed below.\n", os.Args[0])
	fmt.Println("\nWithout a COMMAND, starts an interactive shell.")
	fmt.Println("")
	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

func runCommand(provisioner *mesh.Provisioner, args []string, timeout time.Duration) int {
	ctx, cancel := commandContext(args, timeout)
	defer cancel()

	if err := execute(ctx, provisioner, args); err != nil {
		if protocol.MayHaveSucceeded(err) {
			writeErr("Couldn't verify success: %s", err)
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

// commandContext bounds most commands by the command timeout. Open-ended commands run until
// interrupted instead.
func commandContext(args []string, timeout time.Duration) (context.Context, context.CancelFunc) {
	if len(args) > 0 && args[0] == "watch" {
		return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	}
	return context.WithTimeout(context.Background(), timeout)
}

func runInteractiveShell(provisioner *mesh.Provisioner, timeout time.Duration) int {
	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Printf("> "); scanner.Scan(); fmt.Printf("> ") {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if args[0] == "help" {
			Usage()
			continue
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		runCommand(provisioner, args, timeout)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug          bool
		commandTimeout time.Duration
	)
	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %s\n", err)
		os.Exit(1)
	}
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.DurationVar(&commandTimeout, "command-timeout", 15*time.Second, "Set timeout for mesh commands.")
	flag.DurationVar(&scanTimeout, "scan-timeout", mesh.DefaultScanTimeout, "Set timeout for device discovery.")

	config.RegisterCommandLineFlags()
	flag.Parse()
	if !debug {
		if debugEnv, ok := os.LookupEnv("MESH_VERBOSE"); ok {
			debug = debugEnv != "false" && debugEnv != "0"
		}
	}
	if debug {
		log.SetLevel(log.LevelDebug)
	}
	config.ReadFromEnvironment()
	if err := config.LoadConfigFile(); err != nil {
		writeErr("Error loading configuration file: %s", err)
		return
	}

	args := flag.Args()
	if len(args) > 0 && args[0] == "help" {
		if len(args) == 1 {
			Usage()
			status = 0
			return
		}
		info, ok := commands[args[1]]
		if !ok {
			writeErr("Unrecognized command: %s", args[1])
			return
		}
		info.Usage(args[1])
		status = 0
		return
	}

	if err := config.LoadCredentials(); err != nil {
		writeErr("Error loading credentials: %s", err)
		writeErr("Run mesh-keygen to create a provisioner key.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	provisioner, err := config.Connect(ctx)
	if err != nil {
		writeErr("Error: %s", err)
		return
	}
	defer config.Close()

	bridge, err := config.ConnectBridge(provisioner)
	if err != nil {
		writeErr("Error starting MQTT bridge: %s", err)
		return
	}
	if bridge != nil {
		defer bridge.Stop()
	}

	if flag.NArg() > 0 {
		status = runCommand(provisioner, flag.Args(), commandTimeout)
	} else {
		status = runInteractiveShell(provisioner, commandTimeout)
	}
}
