package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	projectVersionFile   = "PROJECT_VERSION"
	projectBuildDateFile = "PROJECT_BUILD_DATE"
	projectCommitFile    = "PROJECT_COMMIT_HASH"
)

type BuildConfig struct {
	GitTag    string
	GitHash   string
	BuildDate uint64
}

// ReadBuildVersion reads the build stamp files the release pipeline drops
// next to the binary.
func ReadBuildVersion(dir string) (*BuildConfig, error) {
	gitTag, err := readStamp(dir, projectVersionFile)
	if err != nil {
		return nil, err
	}

	gitHash, err := readStamp(dir, projectCommitFile)
	if err != nil {
		return nil, err
	}

	rawDate, err := readStamp(dir, projectBuildDateFile)
	if err != nil {
		return nil, err
	}

	buildDate, err := time.Parse(time.RFC3339, rawDate)
	if err != nil {
		return nil, errors.Wrap(err, "invalid build date")
	}

	return &BuildConfig{
		GitTag:    gitTag,
		GitHash:   gitHash,
		BuildDate: uint64(buildDate.Unix()),
	}, nil
}

func readStamp(dir, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(b)), nil
}
