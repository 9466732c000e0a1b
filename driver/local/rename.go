package local

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobeaver/unifs"
)

// maxTempAttempts caps the search for a free temporary name.
const maxTempAttempts = 1000

// lstat is replaced in tests.
var lstat = os.Lstat

// isCaseOnlyRename reports whether from and to live in the same directory
// and differ only by the case of their final element.
func isCaseOnlyRename(from, to string) bool {
	if from == to || filepath.Dir(from) != filepath.Dir(to) {
		return false
	}
	return strings.EqualFold(filepath.Base(from), filepath.Base(to))
}

// renameCaseOnly renames from to to through a unique temporary sibling.
// A direct rename between names differing only by case is a no-op or an
// error on case-insensitive filesystems.
func renameCaseOnly(from, to string) error {
	tmp, err := tempSibling(from)
	if err != nil {
		return err
	}

	if err := os.Rename(from, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, to); err != nil {
		if rbErr := os.Rename(tmp, from); rbErr != nil {
			return fmt.Errorf("%w (restoring %s failed: %v)", err, filepath.Base(from), rbErr)
		}
		return err
	}
	return nil
}

func tempSibling(path string) (string, error) {
	dir := filepath.Dir(path)
	stem := fmt.Sprintf(".%s.rename-%d", filepath.Base(path), time.Now().UnixNano())

	for i := 0; i < maxTempAttempts; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-%d", stem, i))
		if _, err := lstat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no free temporary name after %d attempts", unifs.ErrExist, maxTempAttempts)
}
