package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/tinyrange/hyptrap/internal/timeslice"
)

// Profile implements subcommands.Command for the "profile" command.
type Profile struct {
	sums bool
}

func (*Profile) Name() string     { return "profile" }
func (*Profile) Synopsis() string { return "show trap timings written by run -profile" }
func (*Profile) Usage() string    { return "profile [-sums] <file>\n" }

func (p *Profile) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&p.sums, "sums", false, "print per-class totals instead of every record")
}

func (p *Profile) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	in, err := os.Open(f.Arg(0))
	if err != nil {
		return fatalf("open profile: %v", err)
	}
	defer in.Close()

	if !p.sums {
		err = timeslice.ReadAllRecords(in, func(kind string, d time.Duration) error {
			fmt.Printf("% 20s %s\n", kind, d)
			return nil
		})
	} else {
		var stats []timeslice.Stat
		stats, err = sumRecords(in)
		printSummary(os.Stdout, stats)
	}
	if err != nil {
		return fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// sumRecords folds a record stream into per-kind stats in first-seen order.
func sumRecords(r io.Reader) ([]timeslice.Stat, error) {
	index := map[string]int{}
	var stats []timeslice.Stat
	err := timeslice.ReadAllRecords(r, func(kind string, d time.Duration) error {
		i, ok := index[kind]
		if !ok {
			i = len(stats)
			index[kind] = i
			stats = append(stats, timeslice.Stat{Name: kind})
		}
		s := &stats[i]
		s.Count++
		s.Total += d
		s.Max = max(s.Max, d)
		return nil
	})
	return stats, err
}
