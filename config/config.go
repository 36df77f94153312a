// Copyright (c) 2016 The Decred developers.

// Package config loads coreminer's command-line and INI-file
// configuration via github.com/btcsuite/go-flags (pool URL/credentials,
// proxy, device filters, intensity, check-nonces toggle, benchmark mode).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/btcsuite/go-flags"
)

const (
	defaultConfigFilename = "coreminer.conf"
	defaultLogFilename    = "coreminer.log"
	defaultAlgo           = "scrypt"
	defaultIntensity      = 16
)

// Config is a flat struct: CLI flags and INI file keys share one tag set
// via go-flags, with the CLI pass overriding whatever the file pass set.
type Config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level: trace, debug, info, warn, error, critical" default:"info"`
	LogDir     string `long:"logdir" description:"Directory to log output"`

	Pool         string `short:"o" long:"pool" description:"Stratum pool to connect to (stratum+tcp://host:port)"`
	PoolUser     string `short:"u" long:"pooluser" description:"Pool username"`
	PoolPassword string `short:"p" long:"poolpass" description:"Pool password" default-mask:"-"`

	Proxy     string `long:"proxy" description:"Connect via SOCKS4/5 proxy (e.g. 127.0.0.1:9050)"`
	ProxyUser string `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass string `long:"proxypass" description:"Password for proxy server" default-mask:"-"`

	Algo           string `short:"a" long:"algo" description:"Algorithm family to mine" default:"scrypt"`
	Impl           string `long:"impl" description:"Algorithm implementation name within the family"`
	Devices        string `long:"devices" description:"Comma-separated device list; the CPU provider creates one device per entry (indices 0..n-1, entry values are not read); empty means one per logical core"`
	Intensity      int    `short:"i" long:"intensity" description:"Per-device intensity setting" default:"16"`
	CheckNonces    bool   `long:"checknonces" description:"Verify candidate nonces on the CPU before submitting" default-mask:"true"`
	Benchmark      bool   `short:"b" long:"benchmark" description:"Run without a pool connection, discarding all found shares"`
	ListDevices    bool   `short:"l" long:"listdevices" description:"List enumerated devices and exit"`
	SoloPayoutAddr string `long:"payoutaddress" description:"Base58Check payout address for benchmark/solo coinbase construction"`
}

// Default returns a Config holding the struct tags' default values plus
// CheckNonces enabled (that field has no default tag, so a bare go-flags
// parse would leave it false). Load starts from this value.
func Default() *Config {
	return &Config{
		DebugLevel:  "info",
		Algo:        defaultAlgo,
		Intensity:   defaultIntensity,
		CheckNonces: true,
	}
}

// Load parses args (typically os.Args[1:]) into a Config, first reading
// an INI-style config file if one is named (either via -C or the default
// path under appDataDir) and then letting command-line flags override it.
func Load(appDataDir string, args []string) (*Config, error) {
	cfg := Default()

	preCfg := &Config{}
	preParser := flags.NewParser(preCfg, flags.Default&^flags.PrintErrors)
	if _, err := preParser.ParseArgs(args); err != nil {
		if !isHelpError(err) {
			return nil, err
		}
	}

	configPath := preCfg.ConfigFile
	if configPath == "" {
		configPath = filepath.Join(appDataDir, defaultConfigFilename)
	}
	// One parser serves both passes so options set by the file stay marked
	// as set and the CLI pass does not reapply their tag defaults.
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := os.Stat(configPath); err == nil {
		if err := flags.NewIniParser(parser).ParseFile(configPath); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", configPath, err)
		}
	}

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if cfg.LogDir == "" {
		cfg.LogDir = appDataDir
	}
	return cfg, nil
}

// LogFilePath returns the rotated log file path mlog.InitLogRotator
// should be pointed at.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}

func isHelpError(err error) bool {
	if ferr, ok := err.(*flags.Error); ok {
		return ferr.Type == flags.ErrHelp
	}
	return false
}
