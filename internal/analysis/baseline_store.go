package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	apperrors "github.com/ZanzyTHEbar/strainwatch/internal/errors"
)

// BaselineStore keeps one externally supplied baseline per user as JSON. It
// never derives or defaults a baseline.
type BaselineStore struct {
	dataDir string
}

// NewBaselineStore creates a new baseline store
func NewBaselineStore(dataDir string) *BaselineStore {
	return &BaselineStore{dataDir: dataDir}
}

func (s *BaselineStore) path(userID int64) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("user_%d.json", userID))
}

// Load reads the baseline for a user. A user without a stored baseline gets a
// missing-baseline error.
func (s *BaselineStore) Load(userID int64) (Baseline, error) {
	file, err := os.Open(s.path(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return Baseline{}, apperrors.NewBaselineUnavailableError(userID)
	}
	if err != nil {
		return Baseline{}, fmt.Errorf("failed to open baseline file: %w", err)
	}
	defer file.Close()

	var b Baseline
	if err := json.NewDecoder(file).Decode(&b); err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return Baseline{}, err
		}
		return Baseline{}, fmt.Errorf("failed to decode baseline: %w", err)
	}
	return b, nil
}

// Save validates and writes the baseline for a user, replacing any previous one.
func (s *BaselineStore) Save(userID int64, b Baseline) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create baseline directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dataDir, "baseline-*.json")
	if err != nil {
		return fmt.Errorf("failed to create baseline file: %w", err)
	}
	defer os.Remove(tmp.Name())

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode baseline: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write baseline: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(userID)); err != nil {
		return fmt.Errorf("failed to store baseline: %w", err)
	}
	return nil
}

// Exists reports whether a baseline is stored for the user.
func (s *BaselineStore) Exists(userID int64) bool {
	_, err := os.Stat(s.path(userID))
	return err == nil
}

// Delete removes the stored baseline for a user. It reports whether one existed.
func (s *BaselineStore) Delete(userID int64) (bool, error) {
	err := os.Remove(s.path(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete baseline: %w", err)
	}
	return true, nil
}
