package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/strategist922/troups/pkg/server"
)

func main() {
	var (
		configFile string
		host       string
		port       int
		dataDir    string
		group      string
		archiveLog bool
		xa         bool
		logLevel   string
		logJSON    bool
	)

	rootCmd := &cobra.Command{
		Use:   "troups-server",
		Short: "Transactional engine daemon for one row group",
		Long: "Runs a single-group MVTO engine over an in-memory versioned store\n" +
			"with a durable transaction log, exposing health, stats and Prometheus\n" +
			"metrics over HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := server.DefaultConfig()
			if configFile != "" {
				loaded, err := server.LoadConfig(configFile)
				if err != nil {
					return err
				}
				config = loaded
			}
			if cmd.Flags().Changed("host") {
				config.Host = host
			}
			if cmd.Flags().Changed("port") {
				config.Port = port
			}
			if cmd.Flags().Changed("data-dir") {
				config.DataDir = dataDir
			}
			if cmd.Flags().Changed("group") {
				config.Group = group
			}
			if cmd.Flags().Changed("archive-log") {
				config.ArchiveLog = archiveLog
			}
			if cmd.Flags().Changed("xa") {
				config.XA = xa
			}
			if cmd.Flags().Changed("log-level") {
				config.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-json") {
				config.LogJSON = logJSON
			}

			srv, err := server.New(config)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			return srv.Start()
		},
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")
	rootCmd.Flags().StringVar(&host, "host", "localhost", "Server host address")
	rootCmd.Flags().IntVar(&port, "port", 8080, "Server port")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for log and oracle databases")
	rootCmd.Flags().StringVar(&group, "group", "default", "Transaction group served by this engine")
	rootCmd.Flags().BoolVar(&archiveLog, "archive-log", false, "Archive truncated log records as gzip segments")
	rootCmd.Flags().BoolVar(&xa, "xa", false, "Enable the distributed-transaction policy")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&logJSON, "log-json", false, "JSON log output")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
