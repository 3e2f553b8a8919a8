package store

import (
	"path/filepath"

	"github.com/gofrs/flock"
)

// lockIndexDir takes an advisory lock on the index directory so that
// concurrent processes do not interleave saves. Returns the unlock
// function.
func lockIndexDir(dir string) (func(), error) {
	fl := flock.New(filepath.Join(dir, ".coderag.lock"))
	if err := fl.Lock(); err != nil {
		return nil, err
	}
	return func() { _ = fl.Unlock() }, nil
}
