package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/beamdrop/beamdrop/internal/config"
	"github.com/beamdrop/beamdrop/internal/logging"
	"github.com/beamdrop/beamdrop/internal/server"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "beamdropd",
	Short: "Beamdrop signaling server",
	Long:  `Beamdrop signaling server - brokers WebRTC pairing sessions between exactly two peers and relays their negotiation messages without inspecting them`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("beamdropd v%s\n", version)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and print the effective values",
	Run: func(cmd *cobra.Command, args []string) {
		checkConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/beamdrop/beamdropd.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer() {
	cfg := loadConfig()

	var logFile *logging.RotatingFile
	if cfg.Log.File != "" {
		var err error
		logFile, err = logging.OpenRotatingFile(cfg.Log.File, int64(cfg.Log.MaxSizeMB)<<20, cfg.Log.MaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer logFile.Close()
		logging.Init(cfg.Log.Format, cfg.Log.Level, logFile)
	} else {
		logging.Init(cfg.Log.Format, cfg.Log.Level, nil)
	}

	if err := raiseFileLimit(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not raise file limit: %v\n", err)
	}

	srv := server.New(cfg, nil)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("beamdropd v%s listening on %s%s\n", version, srv.Addr(), cfg.EndpointPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			// Log shippers move the file and HUP us to reopen.
			if logFile != nil {
				if err := logFile.Reopen(); err != nil {
					fmt.Fprintf(os.Stderr, "Failed to reopen log file: %v\n", err)
				}
			}
			continue
		}
		break
	}

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown incomplete: %v\n", err)
		os.Exit(1)
	}
}

func checkConfig() {
	cfg := loadConfig()

	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Configuration OK. Effective values:")
	fmt.Println()
	os.Stdout.Write(out)
}

// loadConfig reads and validates the configuration, printing every
// violation before exiting.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		fmt.Fprintln(os.Stderr, "Invalid configuration:")
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  - %v\n", e)
		}
		os.Exit(1)
	}
	return cfg
}
