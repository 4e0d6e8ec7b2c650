package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/hyptrap/internal/config"
	"github.com/tinyrange/hyptrap/internal/debug"
	"github.com/tinyrange/hyptrap/internal/hypervisor"
	"github.com/tinyrange/hyptrap/internal/timeslice"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	config   string
	trace    string
	profile  string
	dumpLog  string
	quiet    bool
	checked  bool
	logLevel string
}

func (*Run) Name() string     { return "run" }
func (*Run) Synopsis() string { return "build a machine and replay a trap trace against it" }
func (*Run) Usage() string {
	return `run -config machine.yaml [-trace trace.yaml] [flags]

Builds the machine, backs guest RAM and replays every event of the trace,
printing how each trap was handled. The exit status is non-zero when an
event's outcome differs from its expectation.
`
}

func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.config, "config", "", "machine description (YAML)")
	f.StringVar(&r.trace, "trace", "", "trap trace to replay (YAML)")
	f.StringVar(&r.profile, "profile", "", "write per-trap timings to this file")
	f.StringVar(&r.dumpLog, "dumplog", "", "record diagnostic dumps to this binary log")
	f.BoolVar(&r.quiet, "quiet", false, "do not echo guest console output")
	f.BoolVar(&r.checked, "checked", false, "force a checked build (debug hypercalls, argument clobbering)")
	f.StringVar(&r.logLevel, "log-level", "", "override the configured log level")
}

func (r *Run) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if r.config == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := r.run(); err != nil {
		return fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (r *Run) run() error {
	cfg, err := config.Load(r.config)
	if err != nil {
		return err
	}
	if r.checked {
		cfg.Checked = true
	}
	if r.logLevel != "" {
		cfg.LogLevel = r.logLevel
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	profile := timeslice.NewRecorder()
	opts := []hypervisor.Option{hypervisor.WithProfile(profile)}
	if !r.quiet {
		opts = append(opts, hypervisor.WithConsole(os.Stdout))
	}
	if r.dumpLog != "" {
		l, err := debug.Create(r.dumpLog)
		if err != nil {
			return err
		}
		defer l.Close()
		opts = append(opts, hypervisor.WithRecorder(l.RecordDump))
	}

	m, err := hypervisor.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer m.Close()

	// The stream names trap classes as of Open, so it starts once the
	// dispatchers have registered theirs.
	if r.profile != "" {
		out, err := os.Create(r.profile)
		if err != nil {
			return fmt.Errorf("create profile: %w", err)
		}
		defer out.Close()
		closer, err := profile.Open(out)
		if err != nil {
			return err
		}
		defer closer.Close()
	}

	if err := populate(m); err != nil {
		return err
	}
	if r.trace == "" {
		return nil
	}

	tr, err := config.LoadTrace(r.trace)
	if err != nil {
		return err
	}
	err = m.Replay(tr, func(res hypervisor.Result) {
		if res.Skipped {
			fmt.Printf("%-24s %-8s skipped\n", res.Event, res.VCPU)
			return
		}
		fmt.Printf("%-24s %-8s %-12s pc=%#x\n", res.Event, res.VCPU, res.Outcome, res.PC)
	})
	printSummary(os.Stdout, profile.Summary())
	if errors.Is(err, hypervisor.ErrUnexpectedOutcome) {
		slog.Error("trace replay mismatched", "trace", r.trace)
	}
	return err
}

// populate backs guest RAM, with a progress bar on a terminal.
func populate(m *hypervisor.Machine) error {
	start := time.Now()
	var progress func(int)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.NewOptions(m.RAMPages(),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("populating guest RAM"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		progress = func(n int) { bar.Add(n) }
	}
	if err := m.PopulateRAM(progress); err != nil {
		return err
	}
	slog.Info("guest RAM populated", "pages", m.RAMPages(), "took", time.Since(start))
	return nil
}

func printSummary(w io.Writer, stats []timeslice.Stat) {
	if len(stats) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nCLASS\tCOUNT\tTOTAL\tMEAN\tMAX")
	for _, s := range stats {
		if s.Count == 0 {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", s.Name, s.Count, s.Total, s.Mean(), s.Max)
	}
	tw.Flush()
}
