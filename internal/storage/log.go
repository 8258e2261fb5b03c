// Package storage persists the cluster event stream a Coordinator produces
// (§6.3), one append-only newline-delimited JSON file per CRDT map, with
// optional PQC encryption at rest of each whole event for maps holding
// sensitive values.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/latticedb/engine/internal/crypto/pqc"
	"github.com/latticedb/engine/internal/types"
)

// FileLog implements coordinator.AppendLog. Each registered map gets its own
// log file under baseDir, opened lazily and kept open across Append calls.
type FileLog struct {
	baseDir       string
	encryptionMgr *pqc.EncryptionManager
	encryptedMaps map[string]bool

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFileLog creates a log rooted at baseDir, creating the directory if it
// does not already exist.
func NewFileLog(baseDir string) (*FileLog, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %q: %w", baseDir, err)
	}
	return &FileLog{
		baseDir:       baseDir,
		encryptionMgr: pqc.NewEncryptionManager(),
		encryptedMaps: make(map[string]bool),
		files:         make(map[string]*os.File),
	}, nil
}

// SetMasterKey installs the PQC key pair used to encrypt events for any map
// registered via EncryptMap.
func (fl *FileLog) SetMasterKey(keyPair *pqc.PQCKeyPair) {
	fl.encryptionMgr.SetMasterKey(keyPair)
	fl.encryptionMgr.CacheKey(keyPair.ID, keyPair)
}

// EncryptMap marks mapName's events for PQC encryption before they reach
// disk. Has no effect until a master key is set; events appended for an
// unmarked map are stored as plaintext JSON.
func (fl *FileLog) EncryptMap(mapName string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.encryptedMaps[mapName] = true
}

func sanitizeMapName(name string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
}

func (fl *FileLog) logPath(mapName string) string {
	return filepath.Join(fl.baseDir, sanitizeMapName(mapName)+".log")
}

func (fl *FileLog) fileFor(mapName string) (*os.File, error) {
	if f, ok := fl.files[mapName]; ok {
		return f, nil
	}
	f, err := os.OpenFile(fl.logPath(mapName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	fl.files[mapName] = f
	return f, nil
}

// loggedRecord is the on-disk shape of one log line: either the event in
// plaintext, or its ciphertext plus the key id it was encrypted under.
type loggedRecord struct {
	Event      types.ClusterEvent `json:"event,omitempty"`
	Ciphertext string             `json:"ciphertext,omitempty"`
}

// Append writes event to mapName's log, encrypting it first if the map was
// registered via EncryptMap and a master key is set.
func (fl *FileLog) Append(mapName string, event types.ClusterEvent) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	f, err := fl.fileFor(mapName)
	if err != nil {
		return fmt.Errorf("open log for %q: %w", mapName, err)
	}

	var rec loggedRecord
	if fl.encryptedMaps[mapName] && fl.encryptionMgr.GetMasterKey() != nil {
		plain, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		ciphertext, err := fl.encryptionMgr.EncryptData(plain, fl.encryptionMgr.GetMasterKey().ID)
		if err != nil {
			return fmt.Errorf("encrypt event: %w", err)
		}
		rec.Ciphertext = ciphertext
	} else {
		rec.Event = event
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal log record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write log record for %q: %w", mapName, err)
	}
	return f.Sync()
}

// Replay reads mapName's log back in append order, decrypting records as
// needed. A node calls this at startup to rebuild CRDT map state before
// accepting new writes; a map with no log file yet replays as empty.
func (fl *FileLog) Replay(mapName string) ([]types.ClusterEvent, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	f, err := os.Open(fl.logPath(mapName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log for %q: %w", mapName, err)
	}
	defer f.Close()

	var events []types.ClusterEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec loggedRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("corrupt log record in %q: %w", mapName, err)
		}
		if rec.Ciphertext != "" {
			plain, err := fl.encryptionMgr.DecryptData(rec.Ciphertext)
			if err != nil {
				return nil, fmt.Errorf("decrypt log record in %q: %w", mapName, err)
			}
			var event types.ClusterEvent
			if err := json.Unmarshal(plain, &event); err != nil {
				return nil, fmt.Errorf("unmarshal decrypted record in %q: %w", mapName, err)
			}
			events = append(events, event)
			continue
		}
		events = append(events, rec.Event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log for %q: %w", mapName, err)
	}
	return events, nil
}

// Close flushes and closes every log file this FileLog has opened.
func (fl *FileLog) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	var firstErr error
	for name, f := range fl.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close log for %q: %w", name, err)
		}
	}
	fl.files = make(map[string]*os.File)
	return firstErr
}
