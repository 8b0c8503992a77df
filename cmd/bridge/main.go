package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/mcp"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"serve": true, "run": true, "scan": true, "web": true,
	"submit": true, "list": true, "get": true, "finalize": true,
	"summary": true, "events": true,
	"archive": true, "recover": true, "export": true, "check": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	if cliCommands[arg] {
		return true
	}
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v"
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

func printBanner() {
	fmt.Println(`
  telegram -> obsidian bridge

  Captures flow incoming -> processed -> ready_for_obsidian -> archive.

  Usage: bridge <command> [options]
         bridge --help

  MCP server mode requires piped input.`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Help and version need neither config nor database.
	if isHelpOrVersion() {
		if err := newCLIApp(nil).Run(os.Args); err != nil {
			fatal("%v", err)
		}
		return
	}

	if len(os.Args) >= 2 && !isCLIMode() && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'bridge --help' for usage.\n")
		os.Exit(1)
	}

	baseDir, err := config.DefaultBaseDir()
	if err != nil {
		fatal("%v", err)
	}

	env, err := openEnv(baseDir)
	if err != nil {
		fatal("%v", err)
	}
	defer env.Close()

	if isCLIMode() {
		if err := newCLIApp(env).Run(os.Args); err != nil {
			fatal("%v", err)
		}
		return
	}

	// MCP server mode (default)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serveMCP(ctx, env); err != nil {
		env.logger.Error("mcp server stopped", "err", err)
		env.Close()
		os.Exit(1)
	}
}

func serveMCP(ctx context.Context, env *appEnv) error {
	env.logger.Info("mcp server starting", "version", Version, "base_dir", env.cfg.BaseDir,
		"vault", env.sink != nil, "disabled_tools", len(env.cfg.DisabledTools))
	if unknown := mcp.ValidateDisabledTools(env.cfg.DisabledTools); len(unknown) > 0 {
		env.logger.Warn("unknown tools in disabled_tools", "tools", unknown, "known", mcp.AllToolNames())
	}
	return mcp.Run(ctx, env.st, env.cfg, env.sink, env.logger.With(slog.String("component", "mcp")), Version)
}
