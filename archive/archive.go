// Package archive provides write-behind sinks for items leaving the
// read pipeline, each wrapped as a hook.Func so a MergeTree read or
// write stream can archive every item it sees without the core knowing
// a sink exists.
package archive

import (
	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/perspectivedb/hook"
	"github.com/nicolagi/perspectivedb/item"
)

// Sink persists an encoded item somewhere outside the kv store (cold
// storage, audit log, cross-region replica).
type Sink interface {
	Archive(it *item.Item) error
}

// Hook wraps sink as a hook.Func that writes every item it sees through
// unchanged (archival is an observation, never a filter).
func Hook(sink Sink) hook.Func {
	return func(_ hook.Store, it *item.Item, _ hook.Options) *item.Item {
		if it == nil {
			return nil
		}
		if err := sink.Archive(it); err != nil {
			log.WithFields(log.Fields{"id": it.ID, "v": it.V}).WithError(err).Warn("archive sink failed")
		}
		return it
	}
}

// NullSink discards everything, for a no-op archive configuration.
type NullSink struct{}

func (NullSink) Archive(*item.Item) error { return nil }
