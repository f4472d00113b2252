package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/icon-resolver/internal/batch"
	"github.com/JakeFAU/icon-resolver/internal/config"
	"github.com/JakeFAU/icon-resolver/internal/logging"
	"github.com/JakeFAU/icon-resolver/internal/progress"
	"github.com/JakeFAU/icon-resolver/internal/resolver"
	"github.com/JakeFAU/icon-resolver/internal/server"
	"github.com/JakeFAU/icon-resolver/internal/tui"
)

type resolveFlags struct {
	file      string
	db        string
	mode      string
	exportDir string
	noTUI     bool
}

func newResolveCmd() *cobra.Command {
	var flags resolveFlags
	cmd := &cobra.Command{
		Use:   "resolve [identifiers...]",
		Short: "Resolve icons for identifiers or stored records",
		Long: `Resolves one batch and prints a summary. Identifiers come from the
arguments and --file (one per line, # starts a comment). With --db and no
identifiers every record in the sqlite store is resolved; identifiers given
with --db are added to the store first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			return runResolve(cmd, cfg, flags, args)
		},
	}
	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "newline-delimited identifier file")
	cmd.Flags().StringVar(&flags.db, "db", "", "sqlite record store (overrides db.path)")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "direct, fallback or custom (default from resolver settings)")
	cmd.Flags().StringVar(&flags.exportDir, "export-dir", "", "write unique icons below this directory")
	cmd.Flags().BoolVar(&flags.noTUI, "no-tui", false, "disable the live progress view")
	return cmd
}

func runResolve(cmd *cobra.Command, cfg *config.Config, flags resolveFlags, args []string) error {
	identifiers := append([]string(nil), args...)
	if flags.file != "" {
		fromFile, err := readIdentifierFile(flags.file)
		if err != nil {
			return err
		}
		identifiers = append(identifiers, fromFile...)
	}
	if flags.db != "" {
		cfg.DB.Path = flags.db
	}
	if flags.exportDir != "" {
		cfg.Storage.Backend = config.BackendLocal
		cfg.Storage.LocalDir = flags.exportDir
	}
	if len(identifiers) == 0 && cfg.DB.Path == "" {
		return errors.New("no identifiers: pass them as arguments, with --file, or use --db")
	}
	mode, err := resolveMode(cfg, flags.mode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The live view owns the terminal, so only errors are logged under it.
	level := cfg.Logging.Level
	if !flags.noTUI {
		level = "error"
	}
	logger, err := logging.New(cfg.Logging.Development, level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	opts := server.Options{Logger: logger, Registerer: prometheus.NewRegistry()}
	var ui *liveView
	if !flags.noTUI {
		ui = startLiveView(cmd.ErrOrStderr(), cancel)
		opts.Sinks = []progress.Sink{ui.sink}
	}

	app, err := buildApp(ctx, cfg, opts)
	if err != nil {
		if ui != nil {
			ui.stop()
		}
		return fmt.Errorf("failed to initialize application services: %w", err)
	}

	var res *batch.Result
	if len(identifiers) > 0 {
		res, err = app.ResolveIdentifiers(ctx, identifiers, mode)
	} else {
		res, err = app.ResolveStored(ctx, mode)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	closeErr := app.Close(closeCtx)
	if ui != nil {
		// Closing the hub closed the sink, which ends the program.
		ui.wait()
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, tui.RenderSummary(tui.ResultRows(res)))
	if items := tui.RenderItems(res); items != "" {
		fmt.Fprint(out, items)
	}
	return closeErr
}

func resolveMode(cfg *config.Config, raw string) (resolver.Mode, error) {
	settings := server.Settings(cfg)
	if strings.TrimSpace(raw) == "" {
		return settings.DefaultMode(), nil
	}
	mode, err := resolver.ParseMode(raw)
	if err != nil {
		return 0, fmt.Errorf("--mode: %w", err)
	}
	if mode == resolver.ModeCustomProvider && strings.TrimSpace(settings.CustomTemplate) == "" {
		return 0, errors.New("--mode custom requires resolver.custom_provider")
	}
	return mode, nil
}

func readIdentifierFile(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // user-supplied input file
	if err != nil {
		return nil, fmt.Errorf("open identifier file: %w", err)
	}
	defer func() { _ = f.Close() }()
	ids, err := readIdentifiers(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ids, nil
}

func readIdentifiers(r io.Reader) ([]string, error) {
	var ids []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// liveView runs the bubbletea program fed by a progress sink.
type liveView struct {
	sink *tui.Sink
	done chan struct{}
}

func startLiveView(out io.Writer, cancel func()) *liveView {
	sink, updates := tui.NewSink(64)
	program := tea.NewProgram(tui.NewModel(updates, cancel), tea.WithOutput(out))
	v := &liveView{sink: sink, done: make(chan struct{})}
	go func() {
		defer close(v.done)
		_, _ = program.Run()
		// Keep the hub from blocking if the program exited early.
		for range updates {
		}
	}()
	return v
}

func (v *liveView) stop() {
	_ = v.sink.Close(context.Background())
	v.wait()
}

func (v *liveView) wait() {
	<-v.done
}
