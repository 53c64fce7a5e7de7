package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	appconfig "github.com/controllame/docpipe/config"
	srv "github.com/controllame/docpipe/internal/server"
)

func main() {
	root := &cobra.Command{Use: "docpipe", Short: "Legal document analysis service"}
	root.AddCommand(serveCMD(), migrateCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCMD() *cobra.Command {
	var addr string
	var cfgPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = os.Getenv("DOCPIPE_HTTP_ADDR")
			}
			return srv.Run(cfgPath, addr)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	serve.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches .)")
	return serve
}

func migrateCMD() *cobra.Command {
	var dir string
	var direction string
	var steps int
	var cfgPath string
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return srv.Migrate(dir, cfg.Storage.Postgres.URL, direction, steps)
		},
	}
	migrate.Flags().StringVar(&dir, "dir", "file://migrations", "migrations source")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	migrate.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches .)")
	return migrate
}
