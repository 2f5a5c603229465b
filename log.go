package flashd

import (
	"github.com/btcsuite/btclog"
	"github.com/iotaledger/flashd/addrtree"
	"github.com/iotaledger/flashd/build"
	"github.com/iotaledger/flashd/channel"
	"github.com/iotaledger/flashd/flash"
	"github.com/iotaledger/flashd/monitoring"
	"github.com/iotaledger/flashd/multisig"
	"github.com/iotaledger/flashd/sigorch"
)

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling initLogRotator.
var (
	logWriter = &build.LogWriter{}

	// backendLog is the logging backend used to create all subsystem
	// loggers. The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences will
	// occur.
	backendLog = btclog.NewBackend(logWriter)

	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator = build.NewRotatingLogWriter()

	fldLog = build.NewSubLogger("FLSD", genSubLogger)

	// subsystemLoggers maps each subsystem identifier to its associated
	// logger.
	subsystemLoggers = build.SubLoggers{}
)

// genSubLogger creates a sub logger with an empty shutdown function.
func genSubLogger(subsystem string) btclog.Logger {
	return backendLog.Logger(subsystem)
}

// Initialize package-global logger variables.
func init() {
	subsystemLoggers["FLSD"] = fldLog

	addSubLogger(addrtree.Subsystem, addrtree.UseLogger)
	addSubLogger(channel.Subsystem, channel.UseLogger)
	addSubLogger(sigorch.Subsystem, sigorch.UseLogger)
	addSubLogger(flash.Subsystem, flash.UseLogger)
	addSubLogger(multisig.Subsystem, multisig.UseLogger)
	addSubLogger(monitoring.Subsystem, monitoring.UseLogger)
}

// addSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func addSubLogger(subsystem string, useLoggers ...func(btclog.Logger)) {
	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genSubLogger)
	subsystemLoggers[subsystem] = logger

	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// initLogRotator opens the rotating log file in the log directory of cfg
// and routes the backend to it. Nothing is written to disk if the file
// logger is disabled in the config.
func initLogRotator(cfg *Config) error {
	err := logRotator.Open(
		cfg.LogConfig.File, cfg.LogDir, defaultLogFilename,
	)
	if err != nil {
		return err
	}

	logWriter.RotatorPipe = logRotator

	return nil
}
