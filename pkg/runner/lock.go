package runner

import (
	"context"
	"time"

	"github.com/gofrs/flock"
)

// tfInitLockPath is the well-known advisory lock guarding terraform init.
// The provider plugin cache is process-wide (and host-wide), and two
// concurrent inits corrupt it; apply needs no such protection.
const tfInitLockPath = "/tmp/tf_init_lock"

// withTerraformInitLock holds the cross-process advisory lock for the
// duration of fn. Contenders busy-wait at 1 Hz.
func withTerraformInitLock(ctx context.Context, fn func() error) error {
	lock := flock.New(tfInitLockPath)

	lockCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ok, err := lock.TryLockContext(lockCtx, time.Second)
	if err != nil {
		return err
	}
	if !ok {
		return ctx.Err()
	}
	defer lock.Unlock()

	return fn()
}
