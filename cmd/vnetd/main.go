// Command vnetd runs one node of the virtual-IP/RIP/TCP stack: it reads a
// link file, brings up the node's links, and serves the interactive
// command shell on stdin.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&runCmd{}, "")

	flag.Parse()
	defer glog.Flush()
	os.Exit(int(subcommands.Execute(context.Background())))
}
