// Package paths derives every per-service location from a service name and a
// configured services root.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
)

// Layer names double as the keys returned by EnsureServiceDirectories.
const (
	KeyRoot    = "root"
	KeyHold1   = "hold1"
	KeyHold2   = "hold2"
	KeyStaging = "staging"
)

const (
	intakeFileName = "intake.jsonl"
	storeExt       = ".db"
	dirPerm        = 0o755
)

// Layout resolves paths below ServicesRoot.
type Layout struct {
	ServicesRoot string
}

// New returns a layout rooted at servicesRoot.
func New(servicesRoot string) Layout {
	return Layout{ServicesRoot: servicesRoot}
}

// ValidateServiceName rejects names that would escape the services root.
func ValidateServiceName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errspkg.ErrServiceNameRequired
	case name == "." || name == "..", strings.ContainsAny(name, `/\`):
		return fmt.Errorf("holdflow: invalid service name %q", name)
	}
	return nil
}

func (l Layout) ServiceRoot(name string) string {
	return filepath.Join(l.ServicesRoot, name)
}

func (l Layout) Hold1Dir(name string) string {
	return filepath.Join(l.ServiceRoot(name), KeyHold1)
}

func (l Layout) Hold2Dir(name string) string {
	return filepath.Join(l.ServiceRoot(name), KeyHold2)
}

func (l Layout) StagingDir(name string) string {
	return filepath.Join(l.ServiceRoot(name), KeyStaging)
}

// IntakeFile is <root>/<svc>/hold1/intake.jsonl.
func (l Layout) IntakeFile(name string) string {
	return filepath.Join(l.Hold1Dir(name), intakeFileName)
}

// StagedFile is <root>/<svc>/staging/<svc>_staged.jsonl.
func (l Layout) StagedFile(name string) string {
	return filepath.Join(l.StagingDir(name), name+"_staged.jsonl")
}

// DLQFile is <root>/<svc>/staging/<svc>_dlq.jsonl.
func (l Layout) DLQFile(name string) string {
	return filepath.Join(l.StagingDir(name), name+"_dlq.jsonl")
}

// StoreFile is <root>/<svc>/hold2/<svc>.db.
func (l Layout) StoreFile(name string) string {
	return filepath.Join(l.Hold2Dir(name), name+storeExt)
}

// Directories returns the four service directories without touching disk.
func (l Layout) Directories(name string) map[string]string {
	return map[string]string{
		KeyRoot:    l.ServiceRoot(name),
		KeyHold1:   l.Hold1Dir(name),
		KeyHold2:   l.Hold2Dir(name),
		KeyStaging: l.StagingDir(name),
	}
}

// EnsureServiceDirectories creates the service directories if missing and
// returns them keyed by root, hold1, hold2 and staging.
func (l Layout) EnsureServiceDirectories(name string) (map[string]string, error) {
	if err := ValidateServiceName(name); err != nil {
		return nil, err
	}
	if l.ServicesRoot == "" {
		return nil, fmt.Errorf("holdflow: services root is not configured")
	}
	dirs := l.Directories(name)
	for _, key := range []string{KeyRoot, KeyHold1, KeyHold2, KeyStaging} {
		if err := os.MkdirAll(dirs[key], dirPerm); err != nil {
			return nil, fmt.Errorf("create %s directory for %s: %w", key, name, err)
		}
	}
	return dirs, nil
}

// ProjectRoot walks up from start looking for a go.mod and returns its
// directory, or start itself when none is found.
func ProjectRoot(start string) string {
	dir, err := filepath.Abs(start)
	if err != nil {
		return start
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}
