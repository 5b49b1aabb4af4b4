// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/batchex/batchex/bex"
	"github.com/batchex/batchex/server/oracle"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename  = "batchexd.conf"
	defaultLogFilename     = "batchexd.log"
	defaultLogLevel        = "info"
	defaultLogDirname      = "logs"
	defaultArchiveDirname  = "archive"
	defaultMarketsFilename = "markets.conf"
	defaultMaxLogZips      = 16
	defaultFeedHost        = "127.0.0.1"
	defaultFeedPort        = "17232"

	defaultCommitDur       = 30 * time.Second
	defaultRevealDur       = 15 * time.Second
	defaultSettleDur       = 15 * time.Second
	defaultClearingTimeout = 5 * time.Second
	defaultMinCollateral   = 1_000_000
	defaultMissPenaltyBps  = 5000
)

type procOpts struct {
	HTTPProfile bool
	CPUProfile  string
}

// appConf is the data required to set up the auction server.
type appConf struct {
	ArchiveDir      string
	MarketsConfPath string
	FeedAddr        string

	CommitDur       time.Duration
	RevealDur       time.Duration
	SettleDur       time.Duration
	ClearingTimeout time.Duration

	CollateralAsset  uint32
	MinCollateral    uint64
	MissPenaltyBps   uint64
	PriorityOrdering bool

	OracleSources []oracle.SourceConfig
	StaticRates   map[bex.Pair]uint64

	LogMaker *bex.LoggerMaker
}

type flagsData struct {
	// General application behavior
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	ArchiveDir  string `short:"b" long:"archivedir" description:"Directory for the batch archive database"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	MaxLogZips  int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	MarketsConfPath string `long:"marketsconfpath" description:"Path to the markets configuration file."`
	FeedAddr        string `long:"feedaddr" description:"Address for the summary feed server to listen on."`

	CommitDur       time.Duration `long:"commitdur" description:"Duration of the commit phase."`
	RevealDur       time.Duration `long:"revealdur" description:"Duration of the reveal phase."`
	SettleDur       time.Duration `long:"settledur" description:"Duration of the settling phase."`
	ClearingTimeout time.Duration `long:"clearingtimeout" description:"Worst-case time budget for clearing a batch."`

	CollateralAsset  uint32 `long:"collateralasset" description:"Asset ID of the collateral asset."`
	MinCollateral    uint64 `long:"mincollateral" description:"Minimum collateral, in atomic units, escrowed with a commitment."`
	MissPenaltyBps   uint64 `long:"misspenaltybps" description:"Fraction of collateral forfeited on a missed or invalid reveal, in basis points."`
	PriorityOrdering bool   `long:"priorityordering" description:"Order execution by priority before shuffle-determined position."`

	OracleSource []string `long:"oraclesource" description:"A reference price source as name,url,baseID,quoteID. May be repeated."`
	StaticRate   []string `long:"staticrate" description:"A fixed reference rate as baseID,quoteID,rate, for operation without an oracle. May be repeated."`

	HTTPProfile bool   `long:"httpprof" short:"p" description:"Start HTTP profiler."`
	CPUProfile  string `long:"cpuprofile" description:"File for CPU profiling."`
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Do not try to clean the empty string
	if path == "" {
		return ""
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser to
	// otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsystems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) (*bex.LoggerMaker, error) {
	lm, err := bex.NewLoggerMaker(backendLog, debugLevel)
	if err != nil {
		return nil, err
	}
	setLogLevels(lm, lm.DefaultLevel)
	for subsysID, lvl := range lm.Levels {
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return nil, fmt.Errorf(str, subsysID, supportedSubsystems())
		}
		setLogLevel(lm, subsysID, lvl)
	}
	return lm, nil
}

// parseOracleSources parses the repeatable oraclesource options.
func parseOracleSources(raw []string) ([]oracle.SourceConfig, error) {
	sources := make([]oracle.SourceConfig, 0, len(raw))
	for _, s := range raw {
		fields := strings.Split(s, ",")
		if len(fields) != 4 {
			return nil, fmt.Errorf("invalid oracle source %q, expected name,url,baseID,quoteID", s)
		}
		base, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid oracle source base ID %q: %v", fields[2], err)
		}
		quote, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid oracle source quote ID %q: %v", fields[3], err)
		}
		sources = append(sources, oracle.SourceConfig{
			Name:  fields[0],
			URL:   fields[1],
			Base:  uint32(base),
			Quote: uint32(quote),
		})
	}
	return sources, nil
}

// parseStaticRates parses the repeatable staticrate options.
func parseStaticRates(raw []string) (map[bex.Pair]uint64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	rates := make(map[bex.Pair]uint64, len(raw))
	for _, s := range raw {
		fields := strings.Split(s, ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("invalid static rate %q, expected baseID,quoteID,rate", s)
		}
		base, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid static rate base ID %q: %v", fields[0], err)
		}
		quote, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid static rate quote ID %q: %v", fields[1], err)
		}
		rate, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid static rate %q: %v", fields[2], err)
		}
		rates[bex.Pair{Base: uint32(base), Quote: uint32(quote)}] = rate
	}
	return rates, nil
}

// normalizeNetworkAddress checks for a valid local network address format and
// adds default host and port if not present. Invalidates addresses that
// include a protocol identifier.
func normalizeNetworkAddress(a, defaultHost, defaultPort string) (string, error) {
	if strings.Contains(a, "://") {
		return a, fmt.Errorf("Address %s contains a protocol identifier, which is not allowed", a)
	}
	if a == "" {
		return defaultHost + ":" + defaultPort, nil
	}
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		if strings.Contains(err.Error(), "missing port in address") {
			normalized := a + ":" + defaultPort
			host, port, err = net.SplitHostPort(normalized)
			if err != nil {
				return a, fmt.Errorf("Unable to address %s after port resolution: %v", normalized, err)
			}
		} else {
			return a, fmt.Errorf("Unable to normalize address %s: %v", a, err)
		}
	}
	if host == "" {
		host = defaultHost
	}
	if port == "" {
		port = defaultPort
	}
	return host + ":" + port, nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
func loadConfig() (*appConf, *procOpts, error) {
	loadConfigError := func(err error) (*appConf, *procOpts, error) {
		return nil, nil, err
	}

	defaultAppDataDir, err := os.UserHomeDir()
	if err == nil {
		defaultAppDataDir = filepath.Join(defaultAppDataDir, ".batchexd")
	} else {
		defaultAppDataDir = "."
	}

	// Default config
	cfg := flagsData{
		AppDataDir: defaultAppDataDir,
		// Defaults for ConfigFile, LogDir, and ArchiveDir are set relative to
		// AppDataDir. They are not to be set here.
		MaxLogZips:      defaultMaxLogZips,
		DebugLevel:      defaultLogLevel,
		MarketsConfPath: defaultMarketsFilename,
		CommitDur:       defaultCommitDur,
		RevealDur:       defaultRevealDur,
		SettleDur:       defaultSettleDur,
		ClearingTimeout: defaultClearingTimeout,
		MinCollateral:   defaultMinCollateral,
		MissPenaltyBps:  defaultMissPenaltyBps,
	}

	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified. Any errors aside from the help
	// message error can be ignored here since they will be caught by the
	// final parse below.
	var preCfg flagsData // zero values as defaults
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err = preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		} else if ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n",
			appName, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// If a non-default appdata folder is specified on the command line, it
	// may be necessary adjust the config file location. If the config file
	// location was not specified on the command line, the default location
	// should be under the non-default appdata directory. However, if the
	// config file was specified on the command line, it should be used
	// regardless of the appdata directory.
	if preCfg.AppDataDir != "" {
		// appdata was set on the command line. If it is not absolute, make it
		// relative to cwd.
		cfg.AppDataDir, err = filepath.Abs(preCfg.AppDataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to determine working directory: %v", err)
			os.Exit(1)
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else if !filepath.IsAbs(preCfg.ConfigFile) {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, preCfg.ConfigFile)
	}

	// Config file name for logging.
	configFile := "NONE (defaults)"

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	// Do not error default config file is missing.
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		// Non-default config file must exist.
		if !isDefaultConfigFile {
			fmt.Fprintln(os.Stderr, err)
			return loadConfigError(err)
		}
		// Warn about missing default config file, but continue.
		fmt.Printf("Config file (%s) does not exist. Using defaults.\n",
			preCfg.ConfigFile)
	} else {
		// The config file exists, so attempt to parse it.
		err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			if _, ok := err.(*os.PathError); !ok {
				fmt.Fprintln(os.Stderr, err)
				parser.WriteHelp(os.Stderr)
				return loadConfigError(err)
			}
			configFileError = err
		}
		configFile = preCfg.ConfigFile
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return loadConfigError(err)
	}

	// Warn about missing config file after the final command line parse
	// succeeds. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		fmt.Printf("%v\n", configFileError)
		return loadConfigError(configFileError)
	}

	// Create the app data directory if it doesn't already exist.
	err = os.MkdirAll(cfg.AppDataDir, 0700)
	if err != nil {
		err := fmt.Errorf("failed to create home directory: %v", err)
		fmt.Fprintln(os.Stderr, err)
		return loadConfigError(err)
	}

	// If archivedir or logdir are defaults or non-default relative paths,
	// prepend the appdata directory.
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(cfg.AppDataDir, defaultArchiveDirname)
	} else if !filepath.IsAbs(cfg.ArchiveDir) {
		cfg.ArchiveDir = filepath.Join(cfg.AppDataDir, cfg.ArchiveDir)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	} else if !filepath.IsAbs(cfg.LogDir) {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, cfg.LogDir)
	}
	cfg.ArchiveDir = cleanAndExpandPath(cfg.ArchiveDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	// Ensure the markets config path is absolute, prepending the appdata path
	// if not.
	if !filepath.IsAbs(cfg.MarketsConfPath) {
		cfg.MarketsConfPath = filepath.Join(cfg.AppDataDir, cfg.MarketsConfPath)
	}

	// Validate the feed listen host:port.
	feedAddr, err := normalizeNetworkAddress(cfg.FeedAddr, defaultFeedHost, defaultFeedPort)
	if err != nil {
		return loadConfigError(err)
	}

	// Phase durations and the penalty fraction must be sane before anything
	// is built on them.
	if cfg.CommitDur <= 0 || cfg.RevealDur <= 0 || cfg.SettleDur <= 0 {
		return loadConfigError(fmt.Errorf("all phase durations must be positive"))
	}
	if cfg.MissPenaltyBps > 10_000 {
		return loadConfigError(fmt.Errorf("misspenaltybps %d exceeds 10000", cfg.MissPenaltyBps))
	}

	oracleSources, err := parseOracleSources(cfg.OracleSource)
	if err != nil {
		return loadConfigError(err)
	}
	staticRates, err := parseStaticRates(cfg.StaticRate)
	if err != nil {
		return loadConfigError(err)
	}
	if len(oracleSources) == 0 && len(staticRates) == 0 {
		return loadConfigError(fmt.Errorf("no reference price source configured, " +
			"set oraclesource or staticrate"))
	}

	// Initialize log rotation. After log rotation has been initialized, the
	// logger variables may be used. This creates the LogDir if needed.
	if cfg.MaxLogZips < 0 {
		cfg.MaxLogZips = 0
	}
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips)

	log.Infof("App data folder: %s", cfg.AppDataDir)
	log.Infof("Log folder:      %s", cfg.LogDir)
	log.Infof("Config file:     %s", configFile)

	// Parse, validate, and set debug log level(s).
	logMaker, err := parseAndSetDebugLevels(cfg.DebugLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return loadConfigError(err)
	}

	appCfg := &appConf{
		ArchiveDir:       cfg.ArchiveDir,
		MarketsConfPath:  cfg.MarketsConfPath,
		FeedAddr:         feedAddr,
		CommitDur:        cfg.CommitDur,
		RevealDur:        cfg.RevealDur,
		SettleDur:        cfg.SettleDur,
		ClearingTimeout:  cfg.ClearingTimeout,
		CollateralAsset:  cfg.CollateralAsset,
		MinCollateral:    cfg.MinCollateral,
		MissPenaltyBps:   cfg.MissPenaltyBps,
		PriorityOrdering: cfg.PriorityOrdering,
		OracleSources:    oracleSources,
		StaticRates:      staticRates,
		LogMaker:         logMaker,
	}

	opts := &procOpts{
		CPUProfile:  cfg.CPUProfile,
		HTTPProfile: cfg.HTTPProfile,
	}

	return appCfg, opts, nil
}
