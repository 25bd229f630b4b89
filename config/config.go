// Package config loads the daemon's configuration from a flat key-value
// file: one "key value" pair per line, '#' comments, no sections.
package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// DefaultBaseDirectoryPath is where the daemon stores its configuration
	// and data. It defaults to $PERSPECTIVEDB_BASE if set, otherwise
	// $HOME/lib/perspectivedb. Commands override this via the -base flag.
	DefaultBaseDirectoryPath string

	defaultVSize       = 6
	defaultISize       = 6
	defaultTailRetryMS = 1000
)

func init() {
	if base := os.Getenv("PERSPECTIVEDB_BASE"); base != "" {
		DefaultBaseDirectoryPath = base
	} else {
		DefaultBaseDirectoryPath = os.ExpandEnv("$HOME/lib/perspectivedb")
	}
}

// C is the daemon's configuration: kv store location, perspective
// registry, version/index widths, tailing interval, listen address, and
// archive sink settings.
type C struct {
	// StoreDir is where the embedded kv store keeps its files.
	// Defaults to "<base>/store".
	StoreDir string

	// Perspectives lists the remote perspective names this node pulls
	// from and pushes to.
	Perspectives []string

	// VSize/ISize are the width, in bytes, of versions and insertion
	// sequence numbers (default 6).
	VSize int
	ISize int

	// TailRetryMS is the default re-open interval for tailing streams.
	TailRetryMS int

	// Listen on localhost or a local-only network; there is no
	// authentication nor TLS at this layer (left to the handshake
	// collaborator named in §1), so this must not be exposed publicly.
	ListenNet  string
	ListenAddr string

	// Archive sink configuration. Type is one of "s3", "disk", or "null".
	ArchiveType string

	ArchiveS3Profile string
	ArchiveS3Region  string
	ArchiveS3Bucket  string

	ArchiveDiskDir string

	// base is the directory holding the config file; other paths are
	// derived from it.
	base string
}

// Load loads the configuration from the file called "config" in base.
func Load(base string) (*C, error) {
	filename := filepath.Join(base, "config")
	if fi, err := os.Stat(filename); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	} else if fi.Mode()&0077 != 0 {
		return nil, fmt.Errorf("config.Load %q: mode is %#o, want at most %#o",
			filename, fi.Mode()&0777, fi.Mode()&0700)
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	c, err := load(f)
	if err != nil {
		return nil, err
	}
	c.base = base
	if c.StoreDir == "" {
		c.StoreDir = filepath.Join(base, "store")
	} else if !filepath.IsAbs(c.StoreDir) {
		c.StoreDir = filepath.Clean(filepath.Join(base, c.StoreDir))
	}
	if c.ArchiveDiskDir != "" && !filepath.IsAbs(c.ArchiveDiskDir) {
		c.ArchiveDiskDir = filepath.Clean(filepath.Join(base, c.ArchiveDiskDir))
	}
	if c.VSize == 0 {
		c.VSize = defaultVSize
	}
	if c.ISize == 0 {
		c.ISize = defaultISize
	}
	if c.VSize < 1 || c.VSize > 6 {
		return nil, fmt.Errorf("config: vsize %d out of range [1,6]", c.VSize)
	}
	if c.ISize < 1 || c.ISize > 6 {
		return nil, fmt.Errorf("config: isize %d out of range [1,6]", c.ISize)
	}
	if c.TailRetryMS == 0 {
		c.TailRetryMS = defaultTailRetryMS
	}
	if c.ListenNet == "" {
		c.ListenNet = "tcp"
	}
	if c.ArchiveType == "" {
		c.ArchiveType = "null"
	}
	return c, nil
}

func load(f io.Reader) (*C, error) {
	c := C{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		i := strings.IndexAny(line, " \t")
		if i == -1 {
			return nil, fmt.Errorf("load: no separator in %q", line)
		}
		switch key, val := line[:i], strings.TrimSpace(line[i:]); key {
		case "store-dir":
			c.StoreDir = val
		case "perspectives":
			c.Perspectives = splitNonEmpty(val, ",")
		case "vsize":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("load: %w", err)
			}
			c.VSize = n
		case "isize":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("load: %w", err)
			}
			c.ISize = n
		case "tail-retry-ms":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("load: %w", err)
			}
			c.TailRetryMS = n
		case "listen-net":
			c.ListenNet = val
		case "listen-addr":
			c.ListenAddr = val
		case "archive-type":
			c.ArchiveType = val
		case "archive-s3-profile":
			c.ArchiveS3Profile = val
		case "archive-s3-region":
			c.ArchiveS3Region = val
		case "archive-s3-bucket":
			c.ArchiveS3Bucket = val
		case "archive-disk-dir":
			c.ArchiveDiskDir = val
		default:
			return nil, fmt.Errorf("load: unknown key %q", key)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return &c, nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Base returns the configuration's base directory.
func (c *C) Base() string { return c.base }

// StatsFilePath is where the daemon dumps a JSON stats snapshot when
// signalled.
func (c *C) StatsFilePath() string {
	return filepath.Join(c.base, "stats.json")
}

// Initialize generates an initial configuration file at baseDir.
func Initialize(baseDir string) error {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return errors.Wrapf(err, "%q: could not mkdir", baseDir)
	}
	path := filepath.Join(baseDir, "config")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%q: already exists", path)
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "%q: could not determine if it exists", path)
	}

	var buf strings.Builder
	buf.WriteString("store-dir store\n")
	fmt.Fprintf(&buf, "vsize %d\n", defaultVSize)
	fmt.Fprintf(&buf, "isize %d\n", defaultISize)
	fmt.Fprintf(&buf, "tail-retry-ms %d\n", defaultTailRetryMS)
	mathrand.Seed(time.Now().UnixNano())
	port := 49152 + mathrand.Intn(65535-49152)
	buf.WriteString("listen-net tcp\n")
	fmt.Fprintf(&buf, "listen-addr 127.0.0.1:%d\n", port)
	buf.WriteString("archive-type null\n")

	// A random node id, written as a comment line; nothing in this module
	// reads it back.
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("could not read random bytes: %w", err)
	}
	fmt.Fprintf(&buf, "# node-id %s\n", hex.EncodeToString(b))

	if err := ioutil.WriteFile(path, []byte(buf.String()), 0600); err != nil {
		return fmt.Errorf("config.Initialize %q: %w", path, err)
	}
	return nil
}
