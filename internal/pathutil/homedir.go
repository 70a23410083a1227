package pathutil

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

// HomeDir obtains the path to the user's home directory.
func HomeDir() (string, error) {
	return homedir.Dir()
}

// Expand expands a leading ~ in path to the user's home directory.
func Expand(path string) (string, error) {
	return homedir.Expand(path)
}

// EnsureDir expands path and creates it if it does not exist.
// It returns the absolute path.
func EnsureDir(path string) (string, error) {
	expanded, err := Expand(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to expand path")
	}
	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", errors.Wrap(err, "failed to expand path")
	}
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		if err := os.MkdirAll(absPath, 0750); err != nil {
			return "", errors.Wrap(err, "failed to create dir")
		}
	}
	return absPath, nil
}

// AtomicWriteFile writes data to a temp file in the target directory and
// renames it over filename. On failure the temp file is removed.
func AtomicWriteFile(filename string, data []byte) error {
	dir, name := filepath.Split(filename)
	if dir == "" {
		dir = "."
	}
	f, err := ioutil.TempFile(dir, name)
	if err != nil {
		return err
	}

	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if permErr := os.Chmod(f.Name(), 0600); err == nil {
		err = permErr
	}
	if err == nil {
		err = os.Rename(f.Name(), filename)
	}

	if err != nil {
		if rmErr := os.Remove(f.Name()); rmErr != nil {
			log.WithError(rmErr).Warnf("Failed to remove file %s", f.Name())
		}
		return err
	}
	return nil
}
