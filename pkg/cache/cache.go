// Package cache persists compiled programs under the user cache dir
// so unchanged sources skip analysis and compilation. Entries are
// keyed by the sha256 of the source path; validity is checked first
// against mtime and size, then against the content hash. Any cache
// failure is a miss, never an error for the caller.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/hackeros/hl/pkg/bytecode"
)

var log = commonlog.GetLogger("hl.cache")

var cborEncMode cbor.EncMode

func init() {
	var err error
	cborEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// meta is the sidecar record checked before a cached program is
// trusted.
type meta struct {
	Sha256 string `cbor:"sha256"`
	Mtime  int64  `cbor:"mtime"`
	Size   int64  `cbor:"size"`
	Schema uint32 `cbor:"schema"`
}

// Cache is a content-addressed program store rooted at one directory.
type Cache struct {
	dir string
	idx *index
}

// DefaultDir is the cache root honoring XDG conventions.
func DefaultDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("cache: no user cache dir: %w", err)
	}
	return filepath.Join(base, "hl"), nil
}

// New opens a cache at dir, creating it if needed. An empty dir means
// the default location. The SQLite index is best effort; the cache
// works without it.
func New(dir string) (*Cache, error) {
	if dir == "" {
		var err error
		dir, err = DefaultDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create %s: %w", dir, err)
	}
	c := &Cache{dir: dir}
	idx, err := openIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		log.Infof("index unavailable: %v", err)
	} else {
		c.idx = idx
	}
	return c, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// Key derives the cache key for a source path.
func Key(sourcePath string) string {
	sum := sha256.Sum256([]byte(sourcePath))
	return hex.EncodeToString(sum[:])
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (c *Cache) bcPath(key string) string   { return filepath.Join(c.dir, key+".bc") }
func (c *Cache) metaPath(key string) string { return filepath.Join(c.dir, key+".meta") }

// Load returns the cached program for a source file, or reports a
// miss. The fast path trusts matching mtime and size; otherwise the
// content hash decides and the sidecar is refreshed.
func (c *Cache) Load(sourcePath string) (*bytecode.Program, bool) {
	st, err := os.Stat(sourcePath)
	if err != nil {
		return nil, false
	}
	key := Key(sourcePath)

	raw, err := os.ReadFile(c.metaPath(key))
	if err != nil {
		return nil, false
	}
	var m meta
	if err := cbor.Unmarshal(raw, &m); err != nil {
		log.Debugf("corrupt meta for %s: %v", sourcePath, err)
		return nil, false
	}
	if m.Schema != bytecode.SchemaVersion {
		log.Debugf("schema %d != %d for %s", m.Schema, bytecode.SchemaVersion, sourcePath)
		return nil, false
	}

	if st.ModTime().UnixNano() != m.Mtime || st.Size() != m.Size {
		sum, err := hashFile(sourcePath)
		if err != nil || sum != m.Sha256 {
			return nil, false
		}
		// Content unchanged; refresh the stat fields.
		m.Mtime = st.ModTime().UnixNano()
		m.Size = st.Size()
		if enc, err := cborEncMode.Marshal(&m); err == nil {
			os.WriteFile(c.metaPath(key), enc, 0o644)
		}
	}

	data, err := os.ReadFile(c.bcPath(key))
	if err != nil {
		return nil, false
	}
	prog, err := bytecode.Unmarshal(data)
	if err != nil {
		log.Debugf("corrupt program for %s: %v", sourcePath, err)
		return nil, false
	}
	if c.idx != nil {
		c.idx.touch(key)
	}
	return prog, true
}

// Store writes the compiled program and its sidecar for a source file.
func (c *Cache) Store(sourcePath string, prog *bytecode.Program) error {
	st, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("cache: stat %s: %w", sourcePath, err)
	}
	sum, err := hashFile(sourcePath)
	if err != nil {
		return fmt.Errorf("cache: hash %s: %w", sourcePath, err)
	}

	data, err := bytecode.Marshal(prog)
	if err != nil {
		return fmt.Errorf("cache: encode program: %w", err)
	}
	key := Key(sourcePath)
	if err := os.WriteFile(c.bcPath(key), data, 0o644); err != nil {
		return fmt.Errorf("cache: write program: %w", err)
	}

	m := meta{
		Sha256: sum,
		Mtime:  st.ModTime().UnixNano(),
		Size:   st.Size(),
		Schema: bytecode.SchemaVersion,
	}
	enc, err := cborEncMode.Marshal(&m)
	if err != nil {
		return fmt.Errorf("cache: encode meta: %w", err)
	}
	if err := os.WriteFile(c.metaPath(key), enc, 0o644); err != nil {
		return fmt.Errorf("cache: write meta: %w", err)
	}
	if c.idx != nil {
		c.idx.record(key, sourcePath, int64(len(data)))
	}
	return nil
}

// Invalidate drops the entry for one source file.
func (c *Cache) Invalidate(sourcePath string) {
	key := Key(sourcePath)
	os.Remove(c.bcPath(key))
	os.Remove(c.metaPath(key))
	if c.idx != nil {
		c.idx.remove(key)
	}
}

// Clean removes every cached entry, keeping the directory.
func (c *Cache) Clean() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("cache: read %s: %w", c.dir, err)
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if ext == ".bc" || ext == ".meta" {
			os.Remove(filepath.Join(c.dir, e.Name()))
		}
	}
	if c.idx != nil {
		c.idx.clear()
	}
	return nil
}

// Close releases the index handle.
func (c *Cache) Close() {
	if c.idx != nil {
		c.idx.close()
		c.idx = nil
	}
}
