package main

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/perspectivedb/config"
	"github.com/nicolagi/perspectivedb/hook"
	"github.com/nicolagi/perspectivedb/mergetree"
)

// daemon holds the state one running perspectived process needs to serve
// connections and answer operator controls.
type daemon struct {
	cfg   *config.C
	mt    *mergetree.MergeTree
	hooks hook.Chain
}

// logMergeEvents drains the tailing merge stream for the life of the
// process, logging every conflict the merger surfaces; resolution is
// delegated to an operator, the core only flags it.
func (d *daemon) logMergeEvents(s *mergetree.MergeStream) {
	for {
		ev, ok, err := s.Next()
		if err != nil {
			log.WithError(err).Error("merge pipeline stopped")
			return
		}
		if !ok {
			return
		}
		if len(ev.Conflicts) > 0 {
			log.WithFields(log.Fields{
				"perspective": ev.Perspective,
				"id":          ev.New.ID,
				"version":     ev.New.V,
				"conflicts":   ev.Conflicts,
			}).Warn("merge conflict staged")
		}
	}
}

// serve accepts connections and hands each to handleConn; one bad peer
// must never bring down the listener.
func (d *daemon) serve(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.WithError(err).Error("listener accept failed, stopping")
			return
		}
		go func() {
			defer func() { _ = conn.Close() }()
			if err := d.handleConn(conn); err != nil {
				log.WithError(err).WithField("remote", conn.RemoteAddr()).Warn("connection handler failed")
			}
		}()
	}
}

// dumpStats writes a JSON stats snapshot to cfg.StatsFilePath.
func (d *daemon) dumpStats() error {
	stats, err := d.mt.Stats()
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	return ioutil.WriteFile(d.cfg.StatsFilePath(), b, 0600)
}
