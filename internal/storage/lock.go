package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockFilename = ".render.lock"

// ErrLocked は別のサーバーが同じストレージを使用中であることを表します。
var ErrLocked = errors.New("storage: root is locked by another server")

// Lock はルートディレクトリの排他ロックを取得し、解放関数を返します。
// 1つのストレージを複数のサーバーが共有するとキューとディスクの状態が食い違うため、起動時に取得します。
func (l *Local) Lock() (func() error, error) {
	lock := flock.New(filepath.Join(l.root, lockFilename))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire storage lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return lock.Unlock, nil
}
