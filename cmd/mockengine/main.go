// Command mockengine is a stand-in EXAM engine for end-to-end tests. It
// accepts the engine command line examrun composes, serves the session
// protocol on EXAM_PORT (or -port) and exits after the client disconnects.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/iambrandonn/examrun/internal/protocol"
	"github.com/iambrandonn/examrun/pkg/testharness"
)

func main() {
	engineArgs, vmArgs := splitVMArgs(os.Args[1:])

	fs := flag.NewFlagSet("mockengine", flag.ExitOnError)
	host := fs.String("host", "127.0.0.1", "Address to listen on")
	port := fs.Int("port", envInt("EXAM_PORT", 8085), "Port to listen on (default: $EXAM_PORT or 8085)")
	version := fs.String("api-version", "1.2.0", "API version reported by get_api_version")
	models := fs.String("models", "", "Comma-separated model names the engine knows (default: any)")
	startupDelay := fs.Duration("startup-delay", 0, "Delay before the engine starts listening")
	readyAfter := fs.Duration("ready-after", 0, "Probes report not ready until this long after listening")
	executeDelay := fs.Duration("execute-delay", 0, "Time execute_script takes")
	scriptError := fs.String("script-error", "", "Fail execute_script with this message")
	scriptLogs := fs.String("script-logs", "", "Comma-separated log messages emitted while a script runs")
	fatal := fs.String("fatal", "", "Line written to stderr once the engine is listening")
	lingerAfter := fs.Duration("linger", 0, "Keep running this long after disconnect")
	dataDir := fs.String("data", "", "Engine workspace directory")
	fs.Bool("clean", false, "Accepted for compatibility")
	fs.Bool("nosplash", false, "Accepted for compatibility")
	fs.Bool("launcher.appendVmargs", false, "Accepted for compatibility")
	fs.Parse(engineArgs)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	apiVersion, err := protocol.ParseApiVersion(*version)
	if err != nil {
		logger.Error("invalid api version", "error", err)
		os.Exit(2)
	}

	if *dataDir != "" {
		if err := os.MkdirAll(*dataDir, 0o700); err != nil {
			logger.Error("failed to create engine workspace", "path", *dataDir, "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("mock engine starting",
		"pid", os.Getpid(),
		"api_version", apiVersion.String(),
		"data", *dataDir,
		"vmargs", strings.Join(vmArgs, " "))

	if *startupDelay > 0 {
		select {
		case <-time.After(*startupDelay):
		case <-ctx.Done():
			os.Exit(1)
		}
	}

	engine := testharness.NewFakeEngine(logger)
	engine.Version = apiVersion
	engine.Models = splitList(*models)
	engine.ReadyAfter = *readyAfter
	engine.ExecuteDelay = *executeDelay
	engine.ScriptError = *scriptError
	engine.ScriptLogs = splitList(*scriptLogs)

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	if err := engine.Start(ctx, addr); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	fmt.Fprintf(os.Stdout, "EXAM engine listening on %s\n", addr)
	if *fatal != "" {
		fmt.Fprintln(os.Stderr, *fatal)
	}

	select {
	case <-engine.Disconnected():
		logger.Info("client disconnected, shutting down")
		if *lingerAfter > 0 {
			select {
			case <-time.After(*lingerAfter):
			case <-ctx.Done():
			}
		}
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	}

	fmt.Fprintln(os.Stdout, "EXAM engine stopped")
}

// splitVMArgs separates the engine arguments from the JVM arguments that
// follow -vmargs.
func splitVMArgs(args []string) ([]string, []string) {
	for i, arg := range args {
		if arg == "-vmargs" || arg == "--vmargs" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
