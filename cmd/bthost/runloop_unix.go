//go:build linux || darwin

package main

import (
	"github.com/backkem/bthost/pkg/runloop"
	"github.com/pion/logging"
)

func newPOSIXLoop(factory logging.LoggerFactory) (runloop.RunLoop, error) {
	loop, err := runloop.NewPOSIX(runloop.POSIXConfig{LoggerFactory: factory})
	if err != nil {
		return nil, err
	}
	return loop, nil
}
