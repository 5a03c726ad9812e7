package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/subosito/gotenv"
)

// LoadEnvFile loads ".env.<FLASK_ENV>" from dir when it exists, otherwise
// ".env". A missing ".env" is not an error. Variables already present in
// the process environment are left untouched. It returns the path of the
// file that was loaded, or "" when none was.
func LoadEnvFile(dir string) (string, error) {
	name, ok := os.LookupEnv(EnvName)
	if !ok {
		name = DefaultEnv
	}

	candidate := filepath.Join(dir, ".env."+name)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		if err := gotenv.Load(candidate); err != nil {
			return "", fmt.Errorf("config: load %s: %w", candidate, err)
		}
		return candidate, nil
	}

	fallback := filepath.Join(dir, ".env")
	if err := gotenv.Load(fallback); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("config: load %s: %w", fallback, err)
	}
	return fallback, nil
}
