// Package commands provides the blah-code CLI's cobra commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blah-code/blah-code/internal/config"
	"github.com/blah-code/blah-code/internal/logging"
)

const Version = "0.1.0"

var (
	printLogs   bool
	logLevel    string
	logFile     bool
	globalModel string
)

var rootCmd = &cobra.Command{
	Use:   "blah-code",
	Short: "blah-code is a headless coding-agent daemon",
	Long: `blah-code runs an HTTP daemon that drives an LLM-backed coding
agent over a session store, policy-gated tool runtime, and model
transport.

Run 'blah-code serve' to start the daemon, or 'blah-code status' to query
a running one.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		paths := config.GetPaths()
		if logFile {
			_ = paths.EnsurePaths()
		}
		logCfg := logging.Config{
			Level:     logging.ParseLevel(logLevel),
			Output:    os.Stderr,
			Pretty:    printLogs,
			LogToFile: logFile,
			LogDir:    paths.Logs,
		}
		if !printLogs && !logFile {
			logCfg.Level = logging.FatalLevel
		}
		logging.Init(logCfg)

		if logFile {
			logging.Info().
				Str("version", Version).
				Str("logFile", logging.GetLogFilePath()).
				Msg("blah-code started with file logging")
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "Write logs to a timestamped file under <home>/.blah-code/logs")
	rootCmd.PersistentFlags().StringVarP(&globalModel, "model", "m", "", "Model ID override")

	rootCmd.SetVersionTemplate(fmt.Sprintf("blah-code %s\n", Version))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns dir if non-empty, else the process's current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// GetGlobalModel returns the --model flag value.
func GetGlobalModel() string {
	return globalModel
}
