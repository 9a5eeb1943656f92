// Package artifact implements the content-addressed artifact cache
// described in spec §3/§4.1/§6: immutable compiled binaries keyed by a
// fingerprint over (source content, dependency content hashes, compile
// flags, target ABI, compiler version), stored in a two-tier (in-memory
// + on-disk) cache with staleness validation and size/age eviction.
package artifact

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hmr/internal/logging"
	"hmr/internal/returncode"
)

// Magic identifies the artifact kind at the start of its on-disk header.
// "SHDR" = 0x53484452 for shader artifacts, per spec §6; other tracked
// kinds get an analogous 4-byte code.
type Magic uint32

const (
	MagicShader Magic = 0x53484452 // "SHDR"
	MagicModule Magic = 0x4d4f4455 // "MODU"
)

// FormatVersion is the current on-disk artifact header version.
const FormatVersion uint32 = 1

// DepRecord is one dependency's state at build time, used to validate a
// cached artifact without re-reading its content (spec §4.1 "Validation
// ... checks that every recorded dependency file still exists, has the
// same size, the same modification time, and (optionally) the same
// content hash").
type DepRecord struct {
	Path         string
	Size         int64
	ModTimeUnix  int64
	ContentHash  string // optional; empty skips the content-hash check
}

// State is an artifact's cache lifecycle state.
type State int

const (
	Fresh State = iota
	Stale
)

// Artifact is an immutable compiled binary keyed by its fingerprint
// (spec §3 "Artifacts are content-addressed; identical fingerprints MUST
// yield identical bytes").
type Artifact struct {
	Fingerprint      string
	Magic            Magic
	ABIDescriptor    []byte
	Code             []byte
	ExportedSymbols  []string
	CompatLevel      string
	BuildTime        time.Time
	Dependencies     []DepRecord

	size       int64
	state      State
	lastAccess time.Time
}

// Fingerprint computes the stable hash over the inputs spec §3 names:
// source content, dependency content hashes (already folded into
// depHashes by the caller), compile flags, target ABI, and compiler
// version.
func Fingerprint(sourceContent []byte, depHashes []string, compileFlags []string, targetABI, compilerVersion string) string {
	h := sha256.New()
	h.Write(sourceContent)
	for _, d := range depHashes {
		h.Write([]byte(d))
	}
	for _, f := range compileFlags {
		h.Write([]byte(f))
	}
	h.Write([]byte(targetABI))
	h.Write([]byte(compilerVersion))
	return hex.EncodeToString(h.Sum(nil))
}

// Encode serializes an artifact to spec §6's artifact file format:
// { magic:u32, version:u32, fingerprint:32 bytes, abi_descriptor_length:u32,
// abi_descriptor_bytes, code_length:u64, code_bytes }, little-endian.
func (a *Artifact) Encode() ([]byte, error) {
	fp, err := hex.DecodeString(a.Fingerprint)
	if err != nil || len(fp) != 32 {
		// Fingerprints shorter than 32 raw bytes (e.g. derived, not sha256)
		// are zero-padded/truncated to fit the fixed-width header field.
		padded := make([]byte, 32)
		copy(padded, fp)
		fp = padded
	}

	buf := make([]byte, 0, 8+32+4+len(a.ABIDescriptor)+8+len(a.Code))
	var tmp4 [4]byte
	var tmp8 [8]byte

	binary.LittleEndian.PutUint32(tmp4[:], uint32(a.Magic))
	buf = append(buf, tmp4[:]...)
	binary.LittleEndian.PutUint32(tmp4[:], FormatVersion)
	buf = append(buf, tmp4[:]...)
	buf = append(buf, fp...)
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(a.ABIDescriptor)))
	buf = append(buf, tmp4[:]...)
	buf = append(buf, a.ABIDescriptor...)
	binary.LittleEndian.PutUint64(tmp8[:], uint64(len(a.Code)))
	buf = append(buf, tmp8[:]...)
	buf = append(buf, a.Code...)
	return buf, nil
}

// Decode parses spec §6's artifact file format. Readers MUST verify
// magic and version before trusting any field.
func Decode(data []byte) (*Artifact, error) {
	if len(data) < 8+32+4+8 {
		return nil, fmt.Errorf("artifact: truncated header")
	}
	magic := Magic(binary.LittleEndian.Uint32(data[0:4]))
	version := binary.LittleEndian.Uint32(data[4:8])
	if magic != MagicShader && magic != MagicModule {
		return nil, fmt.Errorf("artifact: unknown magic 0x%08x", uint32(magic))
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("artifact: unsupported format version %d", version)
	}
	fp := data[8:40]
	off := 40
	abiLen := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	if len(data) < off+int(abiLen)+8 {
		return nil, fmt.Errorf("artifact: truncated ABI descriptor")
	}
	abi := data[off : off+int(abiLen)]
	off += int(abiLen)
	codeLen := binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	if uint64(len(data)-off) < codeLen {
		return nil, fmt.Errorf("artifact: truncated code section")
	}
	code := data[off : off+int(codeLen)]

	return &Artifact{
		Fingerprint:   hex.EncodeToString(fp),
		Magic:         magic,
		ABIDescriptor: abi,
		Code:          code,
	}, nil
}

// Cache is the two-tier artifact store: an in-memory hash table keyed by
// fingerprint, backed by an on-disk directory (spec §4.1 "Artifact
// cache"). Put writes to both tiers; Get consults only the in-memory
// table, so an artifact present only on disk (for example, one written by
// an earlier process) is not loaded and is reported NotFound. Lookup of a
// hot entry completes without disk I/O.
type Cache struct {
	mu         sync.RWMutex
	cacheRoot  string
	maxBytes   int64
	entries    map[string]*Artifact
	totalBytes int64
	pinned     map[string]int // fingerprint -> active-transaction refcount
}

// NewCache constructs a Cache rooted at cacheRoot, evicting down to
// maxBytes when full.
func NewCache(cacheRoot string, maxBytes int64) *Cache {
	return &Cache{
		cacheRoot: cacheRoot,
		maxBytes:  maxBytes,
		entries:   make(map[string]*Artifact),
		pinned:    make(map[string]int),
	}
}

func (c *Cache) binPath(fingerprint string) string {
	return filepath.Join(c.cacheRoot, "binaries", fingerprint+".bin")
}

func (c *Cache) metaPath(fingerprint string) string {
	return filepath.Join(c.cacheRoot, "metadata", fingerprint+".meta")
}

// Put stores a, in memory and on disk, evicting LRU entries if the cache
// exceeds maxBytes afterward.
func (c *Cache) Put(a *Artifact) returncode.Code {
	encoded, err := a.Encode()
	if err != nil {
		logging.CacheWarn("artifact encode failed for %s: %v", a.Fingerprint, err)
		return returncode.InvalidArgument
	}

	if err := os.MkdirAll(filepath.Dir(c.binPath(a.Fingerprint)), 0o755); err != nil {
		logging.CacheError("mkdir for artifact bin dir: %v", err)
		return returncode.PermissionDenied
	}
	if err := os.WriteFile(c.binPath(a.Fingerprint), encoded, 0o644); err != nil {
		logging.CacheError("write artifact binary %s: %v", a.Fingerprint, err)
		return returncode.PermissionDenied
	}

	a.size = int64(len(encoded))
	a.state = Fresh
	a.lastAccess = time.Now()

	c.mu.Lock()
	if existing, ok := c.entries[a.Fingerprint]; ok {
		c.totalBytes -= existing.size
	}
	c.entries[a.Fingerprint] = a
	c.totalBytes += a.size
	c.mu.Unlock()

	logging.CacheDebug("cached artifact %s (%d bytes)", a.Fingerprint, a.size)
	c.evictIfNeeded()
	return returncode.OK
}

// Get returns the cached artifact for fingerprint if it is in the
// in-memory table and fresh; the on-disk tier is never read. Hot lookups (entry already in memory) never touch disk, satisfying the
// <1ms hot-lookup requirement (§4.1).
func (c *Cache) Get(fingerprint string) (*Artifact, returncode.Code) {
	c.mu.RLock()
	a, ok := c.entries[fingerprint]
	c.mu.RUnlock()
	if !ok {
		return nil, returncode.NotFound
	}
	if a.state == Stale {
		return a, returncode.Conflict
	}

	c.mu.Lock()
	a.lastAccess = time.Now()
	c.mu.Unlock()
	return a, returncode.OK
}

// Validate checks every recorded dependency against the live filesystem
// and transitions the entry to Stale on any mismatch (spec §4.1).
// Content-hash comparison only runs for DepRecords that set ContentHash,
// matching the spec's "(optionally) the same content hash."
func (c *Cache) Validate(fingerprint string, hashFn func(path string) (string, error)) returncode.Code {
	c.mu.RLock()
	a, ok := c.entries[fingerprint]
	c.mu.RUnlock()
	if !ok {
		return returncode.NotFound
	}

	for _, dep := range a.Dependencies {
		info, err := os.Stat(dep.Path)
		if err != nil {
			c.markStale(a)
			return returncode.OK
		}
		if info.Size() != dep.Size || info.ModTime().Unix() != dep.ModTimeUnix {
			c.markStale(a)
			return returncode.OK
		}
		if dep.ContentHash != "" && hashFn != nil {
			h, err := hashFn(dep.Path)
			if err != nil || h != dep.ContentHash {
				c.markStale(a)
				return returncode.OK
			}
		}
	}
	return returncode.OK
}

func (c *Cache) markStale(a *Artifact) {
	c.mu.Lock()
	a.state = Stale
	c.mu.Unlock()
	logging.CacheDebug("artifact %s marked stale", a.Fingerprint)
}

// Pin marks fingerprint as referenced by an active reload transaction,
// excluding it from eviction until Unpin is called (spec §4.1 "never
// evict artifacts referenced by an active reload transaction").
func (c *Cache) Pin(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[fingerprint]++
}

// Unpin releases one Pin reference.
func (c *Cache) Unpin(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned[fingerprint] > 0 {
		c.pinned[fingerprint]--
		if c.pinned[fingerprint] == 0 {
			delete(c.pinned, fingerprint)
		}
	}
}

// evictIfNeeded removes least-recently-used, unpinned entries until the
// cache is at or under maxBytes.
func (c *Cache) evictIfNeeded() {
	if c.maxBytes <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.totalBytes > c.maxBytes {
		var oldestFP string
		var oldestTime time.Time
		for fp, a := range c.entries {
			if c.pinned[fp] > 0 {
				continue
			}
			if oldestFP == "" || a.lastAccess.Before(oldestTime) {
				oldestFP = fp
				oldestTime = a.lastAccess
			}
		}
		if oldestFP == "" {
			// Everything remaining is pinned; cannot evict further.
			return
		}
		evicted := c.entries[oldestFP]
		delete(c.entries, oldestFP)
		c.totalBytes -= evicted.size
		_ = os.Remove(c.binPath(oldestFP))
		_ = os.Remove(c.metaPath(oldestFP))
		logging.CacheDebug("evicted artifact %s (LRU, over %d byte budget)", oldestFP, c.maxBytes)
	}
}

// Size returns the cache's current total byte footprint.
func (c *Cache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalBytes
}

// Count returns the number of cached entries.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
