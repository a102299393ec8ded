package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rzpsarthak13/syncengine/pkg/syncengine"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	LogFile    string
	Offline    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "syncd",
		Short:         "Offline-first sync engine daemon",
		Long:          "Runs the sync engine against a local store and a remote document store, exposing a small HTTP API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.yaml, .yml or .json)")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", "", "rotate logs into this file instead of stderr")
	cmd.PersistentFlags().BoolVar(&opts.Offline, "offline", false, "start with the remote store considered unreachable")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newPruneCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	return cmd
}

// loadConfig reads the config file, or the defaults when none is given,
// and applies command line overrides.
func loadConfig(opts *rootOptions) (*syncengine.Config, error) {
	config := syncengine.DefaultConfig()
	if opts.ConfigPath != "" {
		loaded, err := syncengine.LoadConfig(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	if opts.LogFile != "" {
		config.Logging.File = opts.LogFile
	}
	if opts.Offline {
		config.Network.InitialOnline = false
	}
	return config, nil
}

// setupLogging points the standard logger at a rotating file when one is
// configured. The returned func closes the file.
func setupLogging(config syncengine.LoggingConfig) func() {
	if config.File == "" {
		return func() {}
	}
	rotator := &lumberjack.Logger{
		Filename:   config.File,
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(rotator)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	return func() {
		log.SetOutput(os.Stderr)
		rotator.Close()
	}
}

// openClient loads configuration, sets up logging and creates a client.
func openClient(opts *rootOptions) (syncengine.Client, *syncengine.Config, func(), error) {
	config, err := loadConfig(opts)
	if err != nil {
		return nil, nil, nil, err
	}
	closeLog := setupLogging(config.Logging)

	client, err := syncengine.NewClient(config)
	if err != nil {
		closeLog()
		return nil, nil, nil, fmt.Errorf("failed to create sync engine client: %w", err)
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Printf("[SYNCD] WARNING: Close failed: %v", err)
		}
		closeLog()
	}
	return client, config, cleanup, nil
}
