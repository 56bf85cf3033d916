package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fleetware-tech/fleetware/core/logger"
)

// LocalFilesystem is the entity which provides local filesystem blob storage
type LocalFilesystem struct {
	baseFolder string
}

// NewLocal returns a new LocalFilesystem rooted at baseFolder. The folder is
// created if it does not exist yet.
func NewLocal(baseFolder string) (*LocalFilesystem, error) {
	if len(baseFolder) == 0 {
		return nil, fmt.Errorf("base folder must not be empty")
	}
	if err := os.MkdirAll(baseFolder, 0700); err != nil {
		return nil, err
	}
	logger.Default().Debugln("local filesystem blob storage enabled at", baseFolder)
	return &LocalFilesystem{baseFolder: baseFolder}, nil
}

func (f *LocalFilesystem) path(key string) (string, error) {
	if strings.Contains(key, "..") {
		return "", fmt.Errorf(".. not authorized in keys")
	}
	return filepath.Join(f.baseFolder, filepath.FromSlash(key)), nil
}

// Upload stores data under key, creating intermediate directories as needed
func (f *LocalFilesystem) Upload(ctx context.Context, key string, data []byte) error {
	filePath, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0600)
}

// Download returns the data stored under key
func (f *LocalFilesystem) Download(ctx context.Context, key string) ([]byte, error) {
	filePath, err := f.path(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(filePath)
}

// Delete deletes the key file
func (f *LocalFilesystem) Delete(ctx context.Context, key string) error {
	filePath, err := f.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(filePath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
