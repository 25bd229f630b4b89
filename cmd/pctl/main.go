// Command pctl is a thin operator CLI against a running perspectived:
// it dials the daemon's listener and speaks the same handshake/record
// framing a replication peer would, using the stats/merge directions
// instead of push/pull.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/nicolagi/perspectivedb/config"
	"github.com/nicolagi/perspectivedb/netutil"
	"github.com/nicolagi/perspectivedb/wire"
)

func main() {
	base := flag.String("base", config.DefaultBaseDirectoryPath, "Base directory for configuration")
	wait := flag.Duration("wait", 0, "if non-zero, wait up to this long for the daemon's listener to come up before connecting (useful right after starting perspectived in a script)")
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 || (args[0] != "stats" && args[0] != "merge") {
		fmt.Fprintln(os.Stderr, "Usage: pctl [-base dir] [-wait duration] stats|merge")
		os.Exit(2)
	}

	cfg, err := config.Load(*base)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not load config from %q: %v\n", *base, err)
		os.Exit(1)
	}

	if *wait > 0 && cfg.ListenNet == "tcp" {
		if err := netutil.WaitForListener(cfg.ListenAddr, *wait); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon did not come up at %s within %s: %v\n", cfg.ListenAddr, *wait, err)
			os.Exit(1)
		}
	}

	conn, err := net.Dial(cfg.ListenNet, cfg.ListenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not connect to %s %s: %v\n", cfg.ListenNet, cfg.ListenAddr, err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	direction := wire.DirectionStats
	if args[0] == "merge" {
		direction = wire.DirectionMerge
	}
	if err := wire.WriteHandshake(conn, wire.Handshake{Direction: direction}); err != nil {
		fmt.Fprintf(os.Stderr, "Could not send request: %v\n", err)
		os.Exit(1)
	}
	b, err := wire.NewReader(conn).ReadRecord()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not read response: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(b)
	fmt.Println()
}
