package eventlog

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/bonesdb/bones/internal/boneserr"
	"github.com/bonesdb/bones/internal/debug"
	"github.com/bonesdb/bones/internal/types"
)

// activePointerFile is the name of the file, inside the events
// directory, that names the currently active shard.
const activePointerFile = "current.events"

// Manifest describes a sealed shard's committed contents.
type Manifest struct {
	EventCount int    `json:"event_count"`
	ByteLen    int64  `json:"byte_len"`
	FileHash   string `json:"file_hash"`
}

// Store is the append-only sharded event log rooted at dir (normally
// "<repo>/.bones/events"). All mutation is guarded by an exclusive
// advisory lock acquired separately by the caller (normally
// internal/core.Engine) via Lock; Store itself performs no locking so
// that callers can batch several operations under one held lock.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating the directory if
// necessary. It does not itself acquire any lock.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { // #nosec G301 -- repo-local state directory
		return nil, fmt.Errorf("eventlog: creating %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Lock returns an unheld flock.Flock guarding this store's directory,
// mirroring the teacher's cmd/bd/sync.go pattern of one advisory lock
// file per mutating operation, generalized here to guard every append.
func (s *Store) Lock() *flock.Flock {
	return flock.New(filepath.Join(s.dir, ".lock"))
}

// ActiveShardName returns the name of the currently active shard,
// creating a fresh one for the current month if none is recorded yet.
// Recovers a torn tail on the active shard before returning.
func (s *Store) ActiveShardName(now time.Time) (string, error) {
	name, err := s.readActivePointer()
	if err != nil {
		return "", err
	}
	if name == "" {
		name = now.UTC().Format("2006-01") + ".events"
		if err := s.writeActivePointer(name); err != nil {
			return "", err
		}
		if err := s.ensureHeader(name); err != nil {
			return "", err
		}
	}
	if err := s.recoverTornTail(name); err != nil {
		return "", err
	}
	return name, nil
}

func (s *Store) readActivePointer() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, activePointerFile)) // #nosec G304 -- repo-local state
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("eventlog: reading active pointer: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// writeActivePointer updates current.events atomically via
// create-then-rename, per the sealing rule in §4.5.
func (s *Store) writeActivePointer(name string) error {
	path := filepath.Join(s.dir, activePointerFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(name), 0o644); err != nil { // #nosec G306 -- repo-local state
		return fmt.Errorf("eventlog: writing active pointer: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("eventlog: renaming active pointer: %w", err)
	}
	return nil
}

// recoverTornTail scans backward from EOF of the named shard; if the
// last byte is not '\n', or the last line fails to parse, it truncates
// to the last prior newline and emits a diagnostic.
func (s *Store) recoverTornTail(name string) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path) // #nosec G304 -- repo-local shard file
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("eventlog: reading shard %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}

	truncateAt := len(data)
	if data[len(data)-1] != '\n' {
		truncateAt = lastNewlineBefore(data, len(data))
	} else {
		lastLineStart := lastNewlineBefore(data, len(data)-1)
		lastLine := string(data[lastLineStart:len(data)-1])
		if lastLine != "" && !strings.HasPrefix(lastLine, "#") {
			if _, err := ParseLine(lastLine); err != nil {
				truncateAt = lastLineStart
			}
		}
	}

	if truncateAt == len(data) {
		return nil
	}
	debug.Logf("eventlog: recovering torn tail in %s, truncating %d bytes", name, len(data)-truncateAt)
	return os.WriteFile(path, data[:truncateAt], 0o644) // #nosec G306 -- repo-local shard file
}

// lastNewlineBefore returns the index just past the newline preceding
// position upTo, or 0 if none is found.
func lastNewlineBefore(data []byte, upTo int) int {
	for i := upTo - 1; i >= 0; i-- {
		if data[i] == '\n' {
			return i + 1
		}
	}
	return 0
}

// Append writes e to the named shard with a single contiguous write,
// optionally fsyncing for durability, and returns the encoded line's
// event hash.
func (s *Store) Append(name string, e types.Event, durable bool) (string, error) {
	line, err := EncodeLine(e)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) // #nosec G304,G302 -- repo-local shard file
	if err != nil {
		return "", fmt.Errorf("eventlog: opening shard %s for append: %w", name, err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(line)); err != nil {
		return "", fmt.Errorf("eventlog: appending to shard %s: %w", name, err)
	}
	if durable {
		if err := f.Sync(); err != nil {
			return "", fmt.Errorf("eventlog: fsyncing shard %s: %w", name, err)
		}
	}

	fields := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	return fields[fieldCount-1], nil
}

// Size returns the current byte length of the named shard, for cursor
// bookkeeping after an append.
func (s *Store) Size(name string) (int64, error) {
	info, err := os.Stat(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("eventlog: statting shard %s: %w", name, err)
	}
	return info.Size(), nil
}

// ReadShard reads every well-formed event line from the named shard in
// file order, skipping comment and blank lines. It does not perform
// torn-tail recovery; call ActiveShardName first for the active shard.
func (s *Store) ReadShard(name string) ([]types.Event, error) {
	f, err := os.Open(filepath.Join(s.dir, name)) // #nosec G304 -- repo-local shard file
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventlog: opening shard %s: %w", name, err)
	}
	defer f.Close()

	var events []types.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			if strings.HasPrefix(line, "#") {
				if v, ok := parseHeaderVersion(line); ok && v > FormatVersion {
					return nil, boneserr.New(boneserr.VersionTooNew,
						fmt.Sprintf("eventlog: shard %s declares format version %d, this build supports up to %d; refusing to open", name, v, FormatVersion))
				}
			}
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("eventlog: shard %s line %d: %w", name, lineNo, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scanning shard %s: %w", name, err)
	}
	return events, nil
}

func parseHeaderVersion(line string) (int, bool) {
	const prefix = "# bones event log v"
	if !strings.HasPrefix(line, prefix) {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, prefix)))
	if err != nil {
		return 0, false
	}
	return v, true
}

// ListShards returns every shard file name under the store directory,
// sorted chronologically (shard names are YYYY-MM.events, so
// lexicographic order is chronological order).
func (s *Store) ListShards() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("eventlog: listing %s: %w", s.dir, err)
	}
	var names []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if strings.HasSuffix(ent.Name(), ".events") {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Seal seals the named shard: writes its manifest and, if it is the
// active shard, rotates current.events to a freshly named shard for
// now. Sealed shards are never reopened for writes.
func (s *Store) Seal(name string, now time.Time) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path) // #nosec G304 -- repo-local shard file
	if err != nil {
		return fmt.Errorf("eventlog: reading shard %s to seal: %w", name, err)
	}
	events, err := s.ReadShard(name)
	if err != nil {
		return err
	}

	manifest := Manifest{
		EventCount: len(events),
		ByteLen:    int64(len(data)),
		FileHash:   "blake3:" + hex.EncodeToString(blake3Sum(string(data))),
	}
	manifestPath := strings.TrimSuffix(path, ".events") + ".manifest"
	encoded, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("eventlog: encoding manifest for %s: %w", name, err)
	}
	tmp := manifestPath + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil { // #nosec G306 -- repo-local state
		return fmt.Errorf("eventlog: writing manifest for %s: %w", name, err)
	}
	if err := os.Rename(tmp, manifestPath); err != nil {
		return fmt.Errorf("eventlog: committing manifest for %s: %w", name, err)
	}

	active, err := s.readActivePointer()
	if err != nil {
		return err
	}
	if active == name {
		next := now.UTC().Format("2006-01") + ".events"
		if next == name {
			next = name + ".cont"
		}
		if err := s.writeActivePointer(next); err != nil {
			return err
		}
		if err := s.ensureHeader(next); err != nil {
			return err
		}
	}
	return nil
}

// ensureHeader writes the format-version header line to a freshly
// named shard before anything else is appended to it, a no-op if the
// shard file already exists (already headered, or being reopened after
// a restart).
func (s *Store) ensureHeader(name string) error {
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644) // #nosec G304,G302 -- repo-local shard file
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("eventlog: creating shard %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.WriteString(HeaderLine() + "\n"); err != nil {
		return fmt.Errorf("eventlog: writing header to shard %s: %w", name, err)
	}
	return nil
}

// ReadManifest loads the committed manifest for a sealed shard.
func (s *Store) ReadManifest(shardName string) (Manifest, error) {
	path := filepath.Join(s.dir, strings.TrimSuffix(shardName, ".events")+".manifest")
	data, err := os.ReadFile(path) // #nosec G304 -- repo-local state
	if err != nil {
		return Manifest{}, fmt.Errorf("eventlog: reading manifest for %s: %w", shardName, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("eventlog: parsing manifest for %s: %w", shardName, err)
	}
	return m, nil
}
