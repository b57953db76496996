//go:build !linux && !darwin

package transport

import "github.com/backkem/bthost/pkg/runloop"

// newSource returns nil: only the read goroutine is available here.
func (l *Link) newSource() *runloop.DataSource { return nil }
