package env

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FileVar points at an env file that replaces the .env search.
const FileVar = "DEVICEKEEPER_ENV_FILE"

var (
	ensureOnce sync.Once
	ensureErr  error

	loadedMu sync.Mutex
	loaded   []string
)

// Ensure loads $DEVICEKEEPER_ENV_FILE, or else the nearest .env between the
// working directory and its checkout root. Runs once; variables already in
// the process environment are never overwritten. Test binaries skip it unless
// DEVICEKEEPER_TEST_DOTENV=1.
func Ensure() error {
	if testing.Testing() && os.Getenv("DEVICEKEEPER_TEST_DOTENV") != "1" {
		return nil
	}
	ensureOnce.Do(func() {
		path := strings.TrimSpace(os.Getenv(FileVar))
		if path == "" {
			wd, err := os.Getwd()
			if err != nil {
				ensureErr = errors.Wrap(err, "env: working directory")
				return
			}
			if path, err = nearestDotEnv(wd); err != nil {
				ensureErr = err
				return
			}
		}
		if path != "" {
			ensureErr = load(path)
		}
	})
	return ensureErr
}

// LoadFile loads an explicit env file on top of whatever Ensure found.
func LoadFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return load(path)
}

// Loaded lists env files applied so far, in load order.
func Loaded() []string {
	loadedMu.Lock()
	defer loadedMu.Unlock()
	return append([]string(nil), loaded...)
}

func load(path string) error {
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("env_file", path).Msg("env: load failed")
		return errors.Wrapf(err, "env: load %s", path)
	}
	loadedMu.Lock()
	loaded = append(loaded, path)
	loadedMu.Unlock()
	log.Debug().Str("env_file", path).Msg("env: loaded")
	return nil
}

// nearestDotEnv walks up from dir and stops after the first directory that
// holds .git, so a stray .env in $HOME never leaks into a checkout.
func nearestDotEnv(dir string) (string, error) {
	for {
		candidate := filepath.Join(dir, ".env")
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			return candidate, nil
		case err != nil && !os.IsNotExist(err):
			return "", errors.Wrapf(err, "env: stat %s", candidate)
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return "", nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
