package archive

import (
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/nicolagi/perspectivedb/item"
	"github.com/nicolagi/perspectivedb/wire"
)

const (
	diskDirPerm  = 0700
	diskFilePerm = 0600
)

// DiskSink archives items to a local directory, sharded two characters
// deep to keep any one directory from accumulating too many entries.
type DiskSink struct {
	dir string
}

func NewDiskSink(dir string) *DiskSink {
	return &DiskSink{dir: dir}
}

func (s *DiskSink) Archive(it *item.Item) error {
	b, err := wire.EncodeItem(it)
	if err != nil {
		return fmt.Errorf("archive: encoding item %s/%s: %w", it.ID, it.V, err)
	}
	p := s.pathFor(it.ID, it.V)
	if err := ioutil.WriteFile(p, b, diskFilePerm); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(path.Dir(p), diskDirPerm); err != nil {
			return err
		}
		return ioutil.WriteFile(p, b, diskFilePerm)
	}
	return nil
}

// Fetch retrieves a previously archived item by id/version.
func (s *DiskSink) Fetch(id, v string) (*item.Item, error) {
	b, err := ioutil.ReadFile(s.pathFor(id, v))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s/%s", id, v)
	}
	if err != nil {
		return nil, err
	}
	return wire.DecodeItem(b)
}

func (s *DiskSink) pathFor(id, v string) string {
	key := objectKey(id, v)
	shard := v
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(s.dir, shard, key)
}
