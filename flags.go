package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"xaprsd/config"
)

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "XAPRSD_CONFIG_PATH"
)

// cliOptions are the command-line overrides. Only flags the user actually
// set replace configuration values.
type cliOptions struct {
	flags *pflag.FlagSet

	configPath  string
	server      string
	aprsPort    int
	callsign    string
	admin       string
	listenPort  int
	prettyPort  int
	showVersion bool

	positional []string
}

func newFlagSet(out io.Writer) (*pflag.FlagSet, *cliOptions) {
	opts := &cliOptions{}
	set := pflag.NewFlagSet("xaprsd", pflag.ContinueOnError)
	set.SetOutput(out)
	set.StringVar(&opts.configPath, "config", "", "config file or directory (default $"+envConfigPath+" or "+defaultConfigPath+")")
	set.StringVar(&opts.server, "aprs-server", "", "APRS-IS server host")
	set.IntVar(&opts.aprsPort, "aprs-port", 0, "APRS-IS server port")
	set.StringVar(&opts.callsign, "callsign", "", "callsign used to log in to APRS-IS")
	set.StringVar(&opts.admin, "admin", "", "admin contact shown in the stream banner")
	set.IntVarP(&opts.listenPort, "listen-port", "p", 0, "port for the raw XML stream")
	set.IntVar(&opts.prettyPort, "pretty-port", 0, "port for the colorized stream (0 disables)")
	set.BoolVar(&opts.showVersion, "version", false, "print the version and exit")
	set.Usage = func() {
		fmt.Fprintf(out, "Usage: xaprsd [flags] [aprs_server [callsign [admin]]]\n\n")
		set.PrintDefaults()
	}
	opts.flags = set
	return set, opts
}

// parseFlags parses args (without the program name).
func parseFlags(args []string, out io.Writer) (*cliOptions, error) {
	set, opts := newFlagSet(out)
	if err := set.Parse(args); err != nil {
		return nil, err
	}
	opts.positional = set.Args()
	if len(opts.positional) > 3 {
		return nil, fmt.Errorf("too many arguments: %s", strings.Join(opts.positional[3:], " "))
	}
	return opts, nil
}

// resolveConfigPath picks --config, then $XAPRSD_CONFIG_PATH, then the
// default directory. explicit is false only for the default, whose absence
// is not an error.
func (o *cliOptions) resolveConfigPath() (path string, explicit bool) {
	if p := strings.TrimSpace(o.configPath); p != "" {
		return p, true
	}
	if p := strings.TrimSpace(os.Getenv(envConfigPath)); p != "" {
		return p, true
	}
	return defaultConfigPath, false
}

// loadConfig loads the configuration the flags point at. A missing default
// location falls back to built-in defaults.
func (o *cliOptions) loadConfig() (*config.Config, error) {
	path, explicit := o.resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// apply copies positional arguments and then set flags onto cfg.
func (o *cliOptions) apply(cfg *config.Config) {
	pos := o.positional
	if len(pos) > 0 {
		cfg.Upstream.Host = pos[0]
	}
	if len(pos) > 1 {
		cfg.Upstream.Callsign = pos[1]
	}
	if len(pos) > 2 {
		cfg.Listen.Admin = pos[2]
	}
	if o.flags.Changed("aprs-server") {
		cfg.Upstream.Host = o.server
	}
	if o.flags.Changed("aprs-port") {
		cfg.Upstream.Port = o.aprsPort
	}
	if o.flags.Changed("callsign") {
		cfg.Upstream.Callsign = o.callsign
	}
	if o.flags.Changed("admin") {
		cfg.Listen.Admin = o.admin
	}
	if o.flags.Changed("listen-port") {
		cfg.Listen.Port = o.listenPort
	}
	if o.flags.Changed("pretty-port") {
		cfg.Listen.PrettyPort = o.prettyPort
	}
	cfg.Normalize()
}
