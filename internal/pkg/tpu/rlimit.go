// Package tpu holds small process-level utilities kept from the teacher
// and adapted to pepesc's needs: pepesc holds one file descriptor per
// intercepted TCP connection plus the UDP tunnel socket, so the same
// RLIMIT_NOFILE concern the teacher's proxy has applies here too.
package tpu

import (
	"context"
	"syscall"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
)

// maxFileDescriptors is the ceiling pepesc asks for; a long-lived PEP can
// hold thousands of intercepted connections open at once on a busy link.
const maxFileDescriptors = 999999

// RaiseFileLimit raises RLIMIT_NOFILE to maxFileDescriptors, logging the
// before/after values at debug level. A failed setrlimit (a restrictive
// hard limit) is logged and left as-is and nil is returned, since pepesc
// itself can still run (just with fewer concurrent connections than
// ideal); only a failure to read the current limit is returned.
func RaiseFileLimit(ctx context.Context) error {
	var before syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &before); err != nil {
		return errors.Wrap(err, "tpu: getrlimit")
	}
	dlog.Debugf(ctx, "initial RLIMIT_NOFILE: cur=%d max=%d", before.Cur, before.Max)

	want := before
	want.Cur = maxFileDescriptors
	want.Max = maxFileDescriptors
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &want); err != nil {
		dlog.Debugf(ctx, "setrlimit RLIMIT_NOFILE to %d: %v (keeping cur=%d)", maxFileDescriptors, err, before.Cur)
		return nil
	}

	var after syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &after); err == nil {
		dlog.Debugf(ctx, "raised RLIMIT_NOFILE: cur=%d max=%d", after.Cur, after.Max)
	}
	return nil
}
