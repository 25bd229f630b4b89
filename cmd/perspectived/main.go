// Command perspectived is the reference host process around the Merge
// Tree: it owns the kv store, the process's gops diagnostics agent, the
// TCP listener peers dial into, and the signal-triggered stats dump.
// The core itself never touches a socket or a signal.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gops/agent"
	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/perspectivedb/archive"
	"github.com/nicolagi/perspectivedb/config"
	"github.com/nicolagi/perspectivedb/hook"
	"github.com/nicolagi/perspectivedb/kv"
	"github.com/nicolagi/perspectivedb/mergetree"
)

func main() {
	// Do NOT turn on agent.ShutdownCleanup: the installed signal handler
	// below does its own graceful shutdown, and gops calling os.Exit first
	// would skip it.
	if err := agent.Listen(agent.Options{}); err != nil {
		log.Printf("Could not start gops agent: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	base := flag.String("base", config.DefaultBaseDirectoryPath, "Base directory for configuration and storage files")
	verbosity := flag.String("verbosity", "info", "log level")
	flag.Parse()

	if level, err := log.ParseLevel(*verbosity); err != nil {
		log.Printf("Invalid verbosity %q, leaving default: %v", *verbosity, err)
	} else {
		log.SetLevel(level)
	}

	cfg, err := config.Load(*base)
	if err != nil {
		log.Fatalf("Could not load config from %q: %v", *base, err)
	}

	store, err := kv.OpenLevelDB(cfg.StoreDir)
	if err != nil {
		log.Fatalf("Could not open store at %q: %v", cfg.StoreDir, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Could not close store: %v", err)
		}
	}()

	mt, err := mergetree.Open(store, mergetree.Config{
		Perspectives: cfg.Perspectives,
		VSize:        cfg.VSize,
		ISize:        cfg.ISize,
		TailRetryMS:  cfg.TailRetryMS,
	})
	if err != nil {
		log.Fatalf("Could not open merge tree: %v", err)
	}

	sink, err := newArchiveSink(cfg)
	if err != nil {
		log.Fatalf("Could not configure archive sink %q: %v", cfg.ArchiveType, err)
	}
	hooks := hook.Chain{archive.Hook(sink)}

	d := &daemon{cfg: cfg, mt: mt, hooks: hooks}

	merges, err := mt.StartMerge(true)
	if err != nil {
		log.Fatalf("Could not start merge pipeline: %v", err)
	}
	go d.logMergeEvents(merges)

	listener, err := net.Listen(cfg.ListenNet, cfg.ListenAddr)
	if err != nil {
		log.Fatalf("Could not listen on %s %s: %v", cfg.ListenNet, cfg.ListenAddr, err)
	}
	defer func() { _ = listener.Close() }()
	go d.serve(listener)

	log.Printf("Awaiting a signal. SIGUSR1 dumps stats to %s; SIGHUP/SIGINT/SIGTERM exit.", cfg.StatsFilePath())
	for sig := range sigc {
		if sig == syscall.SIGUSR1 {
			if err := d.dumpStats(); err != nil {
				log.Printf("Could not dump stats: %v", err)
			}
			continue
		}
		log.Printf("Got signal %q, closing down.", sig)
		_ = merges.Close()
		return
	}
}

func newArchiveSink(cfg *config.C) (archive.Sink, error) {
	switch cfg.ArchiveType {
	case "", "null":
		return archive.NullSink{}, nil
	case "disk":
		return archive.NewDiskSink(cfg.ArchiveDiskDir), nil
	case "s3":
		return archive.NewS3Sink(cfg.ArchiveS3Profile, cfg.ArchiveS3Region, cfg.ArchiveS3Bucket), nil
	default:
		return nil, fmt.Errorf("unknown archive type: %q", cfg.ArchiveType)
	}
}
