// Command hyptrap builds an emulated ARM host from a YAML description and
// replays recorded guest traps against it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(Profile), "inspect")
	subcommands.Register(new(Dumps), "inspect")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// fatalf reports a command failure and returns the matching exit status.
func fatalf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "hyptrap: "+format+"\n", args...)
	return subcommands.ExitFailure
}
