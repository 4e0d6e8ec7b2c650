package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/google/subcommands"

	"github.com/tinyrange/hyptrap/internal/debug"
)

// Dumps implements subcommands.Command for the "dumps" command.
type Dumps struct {
	source string
	last   int
	list   bool
}

func (*Dumps) Name() string     { return "dumps" }
func (*Dumps) Synopsis() string { return "show crash dumps recorded by run -dumplog" }
func (*Dumps) Usage() string    { return "dumps [-source d1,hv] [-last N] [-list] <file>\n" }

func (d *Dumps) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.source, "source", "", "comma separated sources to show")
	f.IntVar(&d.last, "last", 0, "show only the last N entries")
	f.BoolVar(&d.list, "list", false, "list the sources in the log")
}

func (d *Dumps) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	filter := debug.Filter{Last: d.last}
	if d.source != "" {
		filter.Sources = strings.Split(d.source, ",")
	}
	entries, err := debug.ReadFile(f.Arg(0), filter)
	if err != nil {
		return fatalf("%v", err)
	}
	if d.list {
		for _, s := range debug.Sources(entries) {
			fmt.Println(s)
		}
		return subcommands.ExitSuccess
	}
	for _, e := range entries {
		fmt.Printf("%s [%s] %s\n", e.Time.Format(time.RFC3339Nano), e.Source, strings.TrimRight(e.Text, "\n"))
	}
	return subcommands.ExitSuccess
}
