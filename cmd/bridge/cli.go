package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/archiver"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/mcp"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/ops"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/watcher"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/web"
)

// Defaults for the dashboard listener.
const (
	defaultWebBind = "127.0.0.1"
	defaultWebPort = 8390
)

// newCLIApp creates the CLI application with all commands. env may be nil
// when only help or version output is needed.
func newCLIApp(env *appEnv) *cli.App {
	app := &cli.App{
		Name:    "bridge",
		Usage:   "Telegram to Obsidian capture pipeline",
		Version: Version,
		Commands: []*cli.Command{
			serveCmd(env),
			runCmd(env),
			scanCmd(env),
			webCmd(env),
			submitCmd(env),
			listCmd(env),
			getCmd(env),
			finalizeCmd(env),
			summaryCmd(env),
			eventsCmd(env),
			archiveCmd(env),
			recoverCmd(env),
			exportCmd(env),
			checkCmd(env),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func serveCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the agent API over MCP stdio",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := serveMCP(ctx, env); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// runCmd starts the long-running pipeline: recovery, then the watcher and
// the archiver side by side.
func runCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Recover, then watch incoming and archive ready items until interrupted",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "web", Usage: "Also serve the dashboard"},
			&cli.StringFlag{Name: "bind", Value: defaultWebBind, Usage: "Dashboard bind address"},
			&cli.IntFlag{Name: "port", Value: defaultWebPort, Usage: "Dashboard port"},
		},
		Action: func(c *cli.Context) error {
			if err := env.requireVault(); err != nil {
				return outputError(err)
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := env.st.Recover(ctx)
			if err != nil {
				return outputError(err)
			}
			env.logger.Info("recovery complete", "scanned", report.Scanned,
				"repairs", len(report.Resolutions), "temp_removed", report.TempRemoved)

			w := watcher.New(env.st, env.cfg, env.transcriber, env.logger.With("component", "watcher"))
			a := archiver.New(env.st, env.cfg, env.sink, env.logger.With("component", "archiver"))
			tasks := []func(context.Context) error{w.Run, a.Run}

			if c.Bool("web") {
				srv, err := web.NewServer(env.st, env.cfg, env.logger.With("component", "web"), Version, c.String("bind"), c.Int("port"))
				if err != nil {
					return outputError(err)
				}
				tasks = append(tasks, func(ctx context.Context) error {
					return web.Run(ctx, srv, env.logger.With("component", "web"))
				})
			}

			if env.transcriber == nil {
				env.logger.Warn("transcription not configured, voice items will wait in incoming")
			}
			return runAll(ctx, tasks...)
		},
	}
}

func scanCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "Make one watcher pass over the inbox and incoming items",
		Action: func(c *cli.Context) error {
			w := watcher.New(env.st, env.cfg, env.transcriber, env.logger.With("component", "watcher"))
			report, err := w.Scan(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, report)
		},
	}
}

func webCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "web",
		Usage: "Serve the read-only dashboard",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: defaultWebBind, Usage: "Bind address"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: defaultWebPort, Usage: "Port"},
		},
		Action: func(c *cli.Context) error {
			logger := env.logger.With("component", "web")
			srv, err := web.NewServer(env.st, env.cfg, logger, Version, c.String("bind"), c.Int("port"))
			if err != nil {
				return outputError(err)
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return web.Run(ctx, srv, logger)
		},
	}
}

// submitCmd creates the submit command.
func submitCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Capture a message (text from arguments or stdin)",
		ArgsUsage: "[text...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Usage: "text|voice|todo|idea|link (classified from the text when omitted)"},
			&cli.StringFlag{Name: "audio", Aliases: []string{"a"}, Usage: "Audio file for a voice capture"},
			&cli.StringFlag{Name: "chat", Usage: "Source chat id"},
			&cli.StringFlag{Name: "message", Usage: "Source message id (re-submitting the same chat+message is a no-op)"},
			&cli.StringFlag{Name: "sender", Usage: "Source sender id"},
			&cli.StringFlag{Name: "username", Usage: "Source username"},
			&cli.StringFlag{Name: "captured-at", Usage: "Capture time, RFC 3339 or unix seconds (default: now)"},
		},
		Action: func(c *cli.Context) error {
			content := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if content == "" && c.String("audio") == "" {
				text, err := readInput(c)
				if err != nil {
					return outputError(errors.NewInternal(err))
				}
				content = text
			}

			input := ops.SubmitInput{
				Kind:       c.String("kind"),
				Content:    content,
				ContentRef: c.String("audio"),
				Source: item.SourceMeta{
					ChatID:    c.String("chat"),
					MessageID: c.String("message"),
					SenderID:  c.String("sender"),
					Username:  c.String("username"),
				},
			}
			if s := c.String("captured-at"); s != "" {
				at, err := parseCapturedAt(s)
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				input.CapturedAt = at
			}

			output, err := ops.Submit(c.Context, env.st, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// listCmd creates the list command.
func listCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List items at a stage, oldest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "stage", Aliases: []string{"s"}, Value: string(item.StageProcessed), Usage: "incoming|processed|ready|archived|failed"},
			&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Usage: "Filter by kind"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Maximum items to return"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Items to skip"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.ListPending(c.Context, env.st, ops.ListPendingInput{
				Stage:  c.String("stage"),
				Kind:   c.String("kind"),
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// getCmd creates the get command.
func getCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Fetch an item with its content, transcript and document",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "text", Usage: "Print only the text the agent works on"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("item id is required"))
			}
			output, err := ops.GetContent(c.Context, env.st, ops.GetContentInput{ID: c.Args().First()})
			if err != nil {
				return outputError(err)
			}
			if c.Bool("text") {
				_, err := fmt.Fprintln(c.App.Writer, output.Text)
				return err
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// finalizeCmd creates the finalize command.
func finalizeCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "finalize",
		Usage:     "Finalize a processed item (reads the formatted markdown from stdin or --file)",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Required: true, Usage: "Target category, e.g. todos"},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Read the formatted markdown from a file"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("item id is required"))
			}

			var formatted string
			if path := c.String("file"); path != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return outputError(errors.NewInvalidRequest(fmt.Sprintf("cannot read %s: %v", path, err)))
				}
				formatted = string(data)
			} else {
				text, err := readInput(c)
				if err != nil {
					return outputError(errors.NewInternal(err))
				}
				formatted = text
			}
			if strings.TrimSpace(formatted) == "" {
				return outputError(errors.NewInvalidRequest("formatted content must be piped via stdin or given with --file"))
			}

			output, err := ops.Finalize(c.Context, env.st, env.cfg, env.sink, ops.FinalizeInput{
				ID:               c.Args().First(),
				FormattedContent: formatted,
				TargetCategory:   c.String("category"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// summaryCmd creates the summary command.
func summaryCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "summary",
		Usage: "Count the captures of one day by kind, category and stage",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Aliases: []string{"d"}, Usage: "YYYY-MM-DD (default: today)"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.DailySummary(c.Context, env.st, env.cfg, ops.DailySummaryInput{Date: c.String("date")})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// eventsCmd creates the events command.
func eventsCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Show the audit log, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "item", Aliases: []string{"i"}, Usage: "Only events of this item"},
			&cli.StringFlag{Name: "level", Usage: "info|warn|error"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultEventLimit, Usage: "Maximum events to return"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Events(c.Context, env.st, ops.EventsInput{
				ItemID: c.String("item"),
				Level:  c.String("level"),
				Limit:  c.Int("limit"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// archiveCmd creates the archive command.
func archiveCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "Archive ready items older than the retention window",
		Action: func(c *cli.Context) error {
			if err := env.requireVault(); err != nil {
				return outputError(err)
			}
			a := archiver.New(env.st, env.cfg, env.sink, env.logger.With("component", "archiver"))
			report, err := a.Sweep(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, report)
		},
	}
}

// recoverCmd creates the recover command.
func recoverCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "recover",
		Usage: "Reconcile stage directories with the index after a crash",
		Action: func(c *cli.Context) error {
			report, err := env.st.Recover(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, report)
		},
	}
}

// exportCmd creates the export command.
func exportCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export indexed items to a JSONL file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Export file path (default: ~/.bridge/exports/<stage|all>-<timestamp>.jsonl)"},
			&cli.StringFlag{Name: "stage", Aliases: []string{"s"}, Usage: "Only items at this stage"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Export(c.Context, env.st, env.cfg, ops.ExportInput{
				Path:  c.String("path"),
				Stage: c.String("stage"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// CheckOutput is printed by the check command.
type CheckOutput struct {
	OK            bool     `json:"ok"`
	BaseDir       string   `json:"base_dir"`
	ContentDir    string   `json:"content_dir"`
	Vault         bool     `json:"vault"`
	Transcription bool     `json:"transcription"`
	Tools         []string `json:"tools"`
	Problems      []string `json:"problems"`
}

// checkCmd validates configuration and the external tools it names.
func checkCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Validate configuration, vault and transcription tools",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "require-vault", Usage: "Fail when no vault is configured"},
			&cli.BoolFlag{Name: "require-transcription", Usage: "Fail when whisper is not configured"},
		},
		Action: func(c *cli.Context) error {
			cfg := env.cfg
			opts := config.ValidateOptions{
				Vault:         cfg.VaultPath != "" || c.Bool("require-vault"),
				Transcription: cfg.Transcription.WhisperPath != "" || c.Bool("require-transcription"),
			}

			out := CheckOutput{
				BaseDir:       cfg.BaseDir,
				ContentDir:    cfg.ContentDir,
				Vault:         opts.Vault,
				Transcription: opts.Transcription,
				Tools:         enabledTools(cfg.DisabledTools),
				Problems:      []string{},
			}
			if err := cfg.Validate(opts); err != nil {
				out.Problems = append(out.Problems, splitErrors(err)...)
			}
			for _, name := range mcp.ValidateDisabledTools(cfg.DisabledTools) {
				out.Problems = append(out.Problems, fmt.Sprintf("disabled_tools: unknown tool %q", name))
			}
			out.OK = len(out.Problems) == 0

			if err := outputJSON(c.App.Writer, out); err != nil {
				return err
			}
			if !out.OK {
				return cli.Exit(fmt.Sprintf("configuration has %d problem(s)", len(out.Problems)), 1)
			}
			return nil
		},
	}
}

func enabledTools(disabled []string) []string {
	off := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		off[name] = true
	}
	tools := []string{}
	for _, name := range mcp.AllToolNames() {
		if !off[name] {
			tools = append(tools, name)
		}
	}
	return tools
}

// splitErrors flattens an errors.Join result into one message per problem.
func splitErrors(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var msgs []string
		for _, e := range joined.Unwrap() {
			msgs = append(msgs, splitErrors(e)...)
		}
		return msgs
	}
	return []string{err.Error()}
}

// runAll runs every task until ctx is cancelled or one of them fails; a
// failure stops the others. The first error is returned.
func runAll(ctx context.Context, tasks ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := task(ctx); err != nil {
				once.Do(func() { firstErr = err })
				cancel()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// Helper functions

// outputJSON marshals result to w as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var pErr *errors.Error
	if stderrors.As(err, &pErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", pErr.Code, pErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readInput reads all of the app's input. A terminal stdin reads as empty
// instead of blocking.
func readInput(c *cli.Context) (string, error) {
	r := c.App.Reader
	if r == nil || r == io.Reader(os.Stdin) {
		if !stdinHasData() {
			return "", nil
		}
		r = os.Stdin
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// parseCapturedAt accepts RFC 3339 or unix seconds.
func parseCapturedAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs <= 0 {
			return time.Time{}, fmt.Errorf("captured-at must be positive, got %d", secs)
		}
		return time.Unix(secs, 0), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid captured-at %q: use RFC 3339 or unix seconds", s)
	}
	return t, nil
}
