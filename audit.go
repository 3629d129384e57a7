package devicekeeper

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultAuditDir matches the directory name operators already grep through.
const DefaultAuditDir = "device logs"

// AuditLog is the human-readable, per-device trail.
type AuditLog interface {
	Append(deviceID, message string)
}

// FileAuditLog writes one append-only text file per device.
// Files grow without bound; rotation is left to the host (logrotate with copytruncate works).
type FileAuditLog struct {
	dir   string
	clock func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileAuditLog creates dir when missing. A directory that cannot be
// created is reported to the caller, everything after that is best-effort.
func NewFileAuditLog(dir string) (*FileAuditLog, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = DefaultAuditDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "audit: create log dir %s", dir)
	}
	return &FileAuditLog{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the directory holding the device files.
func (l *FileAuditLog) Dir() string { return l.dir }

// Path returns the log file used for deviceID.
func (l *FileAuditLog) Path(deviceID string) string {
	return filepath.Join(l.dir, auditFileName(deviceID))
}

// Append writes "{timestamp} : {message}". Failures are logged and dropped.
func (l *FileAuditLog) Append(deviceID, message string) {
	if l == nil {
		return
	}
	line := fmt.Sprintf("%s : %s\n", l.now().UTC().Format(time.RFC3339Nano), message)

	mu := l.deviceLock(deviceID)
	mu.Lock()
	defer mu.Unlock()

	f, err := l.open(deviceID)
	if err != nil {
		log.Error().Err(err).Str("device", deviceID).Msg("audit: open device log failed")
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		log.Error().Err(err).Str("device", deviceID).Msg("audit: append device log failed")
	}
}

// open recreates the directory when it vanished while running.
func (l *FileAuditLog) open(deviceID string) (*os.File, error) {
	path := l.Path(deviceID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err == nil || !os.IsNotExist(err) {
		return f, err
	}
	if mkErr := os.MkdirAll(l.dir, 0o755); mkErr != nil {
		return nil, errors.Wrapf(mkErr, "audit: recreate log dir %s", l.dir)
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

func (l *FileAuditLog) deviceLock(deviceID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.locks[deviceID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[deviceID] = mu
	}
	return mu
}

func (l *FileAuditLog) now() time.Time {
	if l.clock != nil {
		return l.clock()
	}
	return time.Now()
}

func auditFileName(deviceID string) string {
	id := strings.TrimSpace(deviceID)
	if id == "" {
		id = "unknown"
	}
	id = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, id)
	if id == "." || id == ".." {
		id = "_" + id
	}
	return id + ".log"
}

type noopAudit struct{}

func (noopAudit) Append(string, string) {}
