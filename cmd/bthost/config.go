package main

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"time"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/runloop"
	"github.com/backkem/bthost/pkg/stack"
	"github.com/mcuadros/go-defaults"
	"github.com/pion/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Run loop backends selectable with --runloop.
const (
	runLoopEmbedded = "embedded"
	runLoopPOSIX    = "posix"
)

var errUnknownRunLoop = errors.New("unknown run loop")

// fileConfig is the layout of the optional YAML config file. Tag defaults
// apply first, then the file, then flags that were set explicitly.
type fileConfig struct {
	Addr        string        `yaml:"addr"`
	Name        string        `yaml:"name" default:"bthost"`
	Listen      string        `yaml:"listen"`
	LogLevel    string        `yaml:"log_level" default:"warn"`
	Storage     string        `yaml:"storage"`
	Discovery   bool          `yaml:"discovery" default:"true"`
	DialTimeout time.Duration `yaml:"dial_timeout" default:"5s"`
	RunLoop     string        `yaml:"runloop" default:"embedded"`
	RFCOMM      rfcommConfig  `yaml:"rfcomm"`
	AVRCP       avrcpConfig   `yaml:"avrcp"`
}

type rfcommConfig struct {
	Channel     uint8         `yaml:"channel" default:"1"`
	Credits     uint8         `yaml:"credits"`
	MTU         uint16        `yaml:"mtu"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type avrcpConfig struct {
	Features     uint16 `yaml:"features" default:"1"`
	MaxFragments uint8  `yaml:"max_fragments"`
}

// addGlobalFlags registers the flags shared by every command.
func addGlobalFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("config", "", "YAML config file")
	f.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	f.String("addr", "", "Local Bluetooth device address (random if empty)")
	f.String("name", "", "Device name announced over DNS-SD")
	f.String("storage", "", "Peer store file (in-memory if empty)")
	f.Bool("discovery", true, "Advertise and look up peers over DNS-SD")
	f.Duration("dial-timeout", 0, "Bound on endpoint lookup and dialing")
	f.String("runloop", "", "Run loop backend (embedded, posix)")
}

// loadConfig resolves the effective configuration of cmd.
func loadConfig(cmd *cobra.Command) (*fileConfig, error) {
	cfg := &fileConfig{}
	defaults.SetDefaults(cfg)

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := cfg.load(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *fileConfig) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyFlags copies flags the user set over the file values.
func (c *fileConfig) applyFlags(flags *pflag.FlagSet) error {
	var errs []error
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			v, err := flags.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	str("addr", &c.Addr)
	str("name", &c.Name)
	str("listen", &c.Listen)
	str("log-level", &c.LogLevel)
	str("storage", &c.Storage)
	str("runloop", &c.RunLoop)

	if flags.Changed("discovery") {
		v, err := flags.GetBool("discovery")
		errs = append(errs, err)
		c.Discovery = v
	}
	if flags.Changed("dial-timeout") {
		v, err := flags.GetDuration("dial-timeout")
		errs = append(errs, err)
		c.DialTimeout = v
	}
	if flags.Changed("channel") {
		v, err := flags.GetUint8("channel")
		errs = append(errs, err)
		c.RFCOMM.Channel = v
	}
	return errors.Join(errs...)
}

// stackConfig turns the file config into a stack configuration.
func (c *fileConfig) stackConfig(factory logging.LoggerFactory) (stack.Config, error) {
	var addr hci.Addr
	if c.Addr == "" {
		addr = randomAddr()
	} else {
		var err error
		if addr, err = hci.ParseAddr(c.Addr); err != nil {
			return stack.Config{}, fmt.Errorf("local address: %w", err)
		}
	}

	config := stack.Config{
		LocalAddr:         addr,
		Name:              c.Name,
		ListenAddr:        c.Listen,
		L2CAPMTU:          c.RFCOMM.MTU,
		RFCOMMCredits:     c.RFCOMM.Credits,
		RFCOMMIdleTimeout: c.RFCOMM.IdleTimeout,
		AVRCPFeatures:     c.AVRCP.Features,
		AVRCPMaxFragments: c.AVRCP.MaxFragments,
		DialTimeout:       c.DialTimeout,
		Discovery:         c.Discovery,
		LoggerFactory:     factory,
	}
	switch c.RunLoop {
	case "", runLoopEmbedded:
	case runLoopPOSIX:
		loop, err := newPOSIXLoop(factory)
		if err != nil {
			return stack.Config{}, err
		}
		config.RunLoop = loop
		config.DriveRunLoop = true
	default:
		return stack.Config{}, fmt.Errorf("%w: %q", errUnknownRunLoop, c.RunLoop)
	}
	if c.Storage != "" {
		storage, err := stack.OpenFileStorage(c.Storage)
		if err != nil {
			closeLoop(config.RunLoop)
			return stack.Config{}, err
		}
		config.Storage = storage
	}
	return config, nil
}

// closeLoop releases a run loop created for the stack.
func closeLoop(loop runloop.RunLoop) error {
	if c, ok := loop.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// randomAddr picks a device address for a stack started without one.
func randomAddr() hci.Addr {
	var addr hci.Addr
	for addr.IsZero() {
		v := rand.Uint64()
		for i := range addr {
			addr[i] = byte(v >> (8 * i))
		}
	}
	return addr
}
