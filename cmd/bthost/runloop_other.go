//go:build !linux && !darwin

package main

import (
	"fmt"

	"github.com/backkem/bthost/pkg/runloop"
	"github.com/pion/logging"
)

func newPOSIXLoop(logging.LoggerFactory) (runloop.RunLoop, error) {
	return nil, fmt.Errorf("%w: posix is not available on this platform", errUnknownRunLoop)
}
