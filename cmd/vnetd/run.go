package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/google/subcommands"

	"go.vnet.dev/vnet/internal/config"
	"go.vnet.dev/vnet/internal/drop"
	"go.vnet.dev/vnet/internal/node"
	"go.vnet.dev/vnet/internal/shell"
)

type runCmd struct {
	dropRate float64
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "start a node from a link file and serve its command shell" }
func (*runCmd) Usage() string {
	return "run [flags...] <lnx-file>\n\nflags:\n"
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.Float64Var(&c.dropRate, "drop-rate", 0, "fraction of inbound datagrams to deterministically discard, in [0,1)")
}

func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: vnetd run <lnx-file>")
		return subcommands.ExitUsageError
	}

	n, err := buildNode(f.Arg(0), c.dropRate)
	if err != nil {
		glog.Errorf("startup failed: %v", err)
		return subcommands.ExitFailure
	}
	defer n.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := n.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			glog.Errorf("node run loop exited: %v", err)
		}
	}()

	if err := serveShell(n); err != nil {
		glog.Errorf("shell exited: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func buildNode(path string, dropRate float64) (*node.Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening link file: %w", err)
	}
	defer f.Close()

	host, defs, err := config.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing link file: %w", err)
	}

	var policy drop.Policy = drop.Never{}
	if dropRate > 0 {
		policy = drop.NewUniform(dropRate)
	}

	return node.New(host, defs, policy)
}

func serveShell(n *node.Node) error {
	sh := shell.New(n)
	scanner := bufio.NewScanner(os.Stdin)

	fmt.Print(">> ")
	for scanner.Scan() {
		out, err := sh.Handle(scanner.Text())
		if errors.Is(err, shell.Quit) {
			return nil
		}
		if out != "" {
			fmt.Println(out)
		}
		fmt.Print(">> ")
	}
	return scanner.Err()
}
