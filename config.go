package flashd

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/iotaledger/flashd/build"
	"github.com/iotaledger/flashd/monitoring"
	"github.com/iotaledger/flashd/multisig"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "flashd.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "flashd.log"

	defaultChannels   = 1
	defaultParties    = 2
	defaultSecurity   = 2
	defaultDepth      = 4
	defaultDeposit    = 1000
	defaultPayments   = 20
	defaultMaxPayment = 50

	// maxParties bounds the number of parties of a simulated channel so
	// the composite addresses stay small.
	maxParties = 16
)

var (
	// DefaultFlashDir is the default directory where flashd keeps its
	// configuration and logs.
	DefaultFlashDir = btcutil.AppDataDir("flashd", false)

	// DefaultConfigFile is the default full path of flashd's
	// configuration file.
	DefaultConfigFile = filepath.Join(DefaultFlashDir, defaultConfigFilename)

	defaultLogDir = filepath.Join(DefaultFlashDir, defaultLogDirname)
)

// Config defines the configuration options for flashd.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:ll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	FlashDir   string `long:"flashdir" description:"The base directory that contains flashd's configuration file and logs."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir     string `long:"logdir" description:"Directory to log output."`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Channels   int   `long:"channels" description:"Number of channels simulated concurrently"`
	Parties    int   `long:"parties" description:"Number of parties sharing each channel"`
	Security   int   `long:"security" description:"Signature slots every party contributes to an address (1-3)"`
	Depth      int   `long:"depth" description:"Depth of the initial address tree"`
	Deposit    int64 `long:"deposit" description:"Collateral every party locks into the channel"`
	Payments   int   `long:"payments" description:"Number of random payments made on each channel before it is closed"`
	MaxPayment int64 `long:"maxpayment" description:"Upper bound of a single simulated payment"`
	RandSeed   int64 `long:"randseed" description:"Seed of the simulation, the same seed replays the same payments"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	Prometheus monitoring.Prometheus `group:"prometheus" namespace:"prometheus"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		FlashDir:   DefaultFlashDir,
		ConfigFile: DefaultConfigFile,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		Channels:   defaultChannels,
		Parties:    defaultParties,
		Security:   defaultSecurity,
		Depth:      defaultDepth,
		Deposit:    defaultDeposit,
		Payments:   defaultPayments,
		MaxPayment: defaultMaxPayment,
		LogConfig:  build.DefaultLogConfig(),
		Prometheus: monitoring.DefaultPrometheus(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their flashdir, then we should assume they intend to use
	// the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.FlashDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultFlashDir {
		if configFilePath == DefaultConfigFile {
			configFilePath = filepath.Join(
				configFileDir, defaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		fldLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string) (*Config, error) {
	// If the provided flashd directory is not the default, we'll modify
	// the path to the log directory that lives within it.
	flashDir := CleanAndExpandPath(cfg.FlashDir)
	if flashDir != DefaultFlashDir && cfg.LogDir == defaultLogDir {
		cfg.LogDir = filepath.Join(flashDir, defaultLogDirname)
	}
	cfg.FlashDir = flashDir
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	mkErr := func(format string, args ...interface{}) error {
		str := fmt.Sprintf(format, args...)
		return fmt.Errorf("%s\n%s", str, usageMessage)
	}

	switch {
	case cfg.Channels < 1:
		return nil, mkErr("channels must be positive, got %d",
			cfg.Channels)

	case cfg.Parties < 1 || cfg.Parties > maxParties:
		return nil, mkErr("parties must be between 1 and %d, got %d",
			maxParties, cfg.Parties)

	case cfg.Security < multisig.MinSecurity ||
		cfg.Security > multisig.MaxSecurity:

		return nil, mkErr("security must be between %d and %d, got %d",
			multisig.MinSecurity, multisig.MaxSecurity,
			cfg.Security)

	case cfg.Depth < 1:
		return nil, mkErr("depth must be positive, got %d", cfg.Depth)

	case cfg.Deposit < 1:
		return nil, mkErr("deposit must be positive, got %d",
			cfg.Deposit)

	case cfg.Payments < 0:
		return nil, mkErr("payments must not be negative, got %d",
			cfg.Payments)

	case cfg.MaxPayment < 1:
		return nil, mkErr("maxpayment must be positive, got %d",
			cfg.MaxPayment)
	}

	if err := cfg.LogConfig.Validate(); err != nil {
		return nil, mkErr("error validating logging config: %v", err)
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			subsystemLoggers.SupportedSubsystems())
		os.Exit(0)
	}

	// Parse, validate, and set debug log level(s).
	err := build.ParseAndSetDebugLevels(cfg.DebugLevel, subsystemLoggers)
	if err != nil {
		return nil, mkErr("error parsing debug level: %v", err)
	}

	return &cfg, nil
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
