package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/runloop"
	"github.com/backkem/bthost/pkg/stack"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// invokeTimeout bounds one call into the run loop.
const invokeTimeout = 2 * time.Second

// app is the stack and output shared by every command.
type app struct {
	cfg    *fileConfig
	logger *logrus.Logger
	out    *printer
	stack  *stack.Stack
	loop   runloop.RunLoop // set when the app created the run loop
}

// newApp builds a stack from the flags and config file of cmd.
// defaultListen is used when neither sets a listen address.
func newApp(cmd *cobra.Command, defaultListen string) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}

	logger, err := newLogger(cfg.LogLevel, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, out: newPrinter(cmd.OutOrStdout())}

	config, err := cfg.stackConfig(loggerFactory{logger: logger})
	if err != nil {
		return nil, err
	}
	config.OnLinkConnected = func(addr hci.Addr) {
		a.out.Event("link", "%s connected", addr)
	}
	config.OnLinkDisconnected = func(addr hci.Addr, reason hci.Status) {
		a.out.Event("link", "%s disconnected: %s", addr, reason)
	}

	if a.stack, err = stack.New(config); err != nil {
		closeLoop(config.RunLoop)
		return nil, fmt.Errorf("create stack: %w", err)
	}
	a.loop = config.RunLoop
	return a, nil
}

// run starts the stack, calls fn and stops the stack again. The context
// passed to fn is cancelled on SIGINT or SIGTERM.
func (a *app) run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer closeLoop(a.loop)

	if err := a.stack.Start(ctx); err != nil {
		return fmt.Errorf("start stack: %w", err)
	}
	a.logger.WithFields(logrus.Fields{
		"addr":   a.stack.LocalAddr(),
		"listen": a.stack.ListenAddr(),
	}).Info("stack running")

	err := fn(ctx)

	if stopErr := a.stack.Stop(); stopErr != nil && err == nil {
		err = fmt.Errorf("stop stack: %w", stopErr)
	}
	return err
}

// invoke runs fn on the stack's run loop.
func (a *app) invoke(ctx context.Context, fn func()) error {
	ctx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()
	return a.stack.Invoke(ctx, fn)
}

// status converts the status of a synchronous stack call into an error.
func status(op string, st hci.Status) error {
	if st.OK() {
		return nil
	}
	return fmt.Errorf("%s: %w", op, st.Err())
}
