package sys

import (
	"fmt"
	"os"
	"path/filepath"
)

// OS contains fields and methods for interacting with the state directory.
type OS struct {
	StateDir   string
	JournalDir string
	LogDir     string
}

// DefaultOS returns an OS rooted at stateDir, falling back to the environment and then the default location.
func DefaultOS(stateDir string, createDir bool) (*OS, error) {
	if stateDir == "" {
		stateDir = os.Getenv(StateDir)
	}

	if stateDir == "" {
		stateDir = DefaultStateDir
	}

	stateDir, err := filepath.Abs(stateDir)
	if err != nil {
		return nil, fmt.Errorf("Missing absolute state directory: %w", err)
	}

	os := &OS{
		StateDir:   stateDir,
		JournalDir: filepath.Join(stateDir, "journal"),
		LogDir:     filepath.Join(stateDir, "logs"),
	}

	err = os.init(createDir)
	if err != nil {
		return nil, err
	}

	return os, nil
}

func (s *OS) init(createDir bool) error {
	dirs := []struct {
		path string
		mode os.FileMode
	}{
		{s.StateDir, 0711},
		{s.JournalDir, 0700},
		{s.LogDir, 0700},
	}

	for _, dir := range dirs {
		// If we are not creating the directories, ensure they still exist.
		if !createDir {
			_, err := os.Stat(dir.path)
			if err != nil {
				return fmt.Errorf("Unable to get state dir information: %w", err)
			}

			continue
		}

		err := os.MkdirAll(dir.path, dir.mode)
		if err != nil {
			if !os.IsExist(err) {
				return fmt.Errorf("Failed to init dir %q: %w", dir.path, err)
			}

			err = os.Chmod(dir.path, dir.mode)
			if err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("Failed to chmod dir %q: %w", dir.path, err)
			}
		}
	}

	return nil
}

// ConfigFile returns the path of the rsupgrade.yaml configuration file.
func (s *OS) ConfigFile() string {
	return filepath.Join(s.StateDir, "rsupgrade.yaml")
}

// LogFile returns the path of the log file written during upgrades.
func (s *OS) LogFile() string {
	return filepath.Join(s.LogDir, "rsupgrade.log")
}

// JournalPath returns the path of the SQLite run journal.
func (s *OS) JournalPath() string {
	return filepath.Join(s.JournalDir, "journal.db")
}
