package main

import (
	"fmt"

	"github.com/openmined/foliosync/internal/config"
	"github.com/openmined/foliosync/internal/utils"
	"github.com/spf13/cobra"
)

func (c *cli) newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config Path: %s\n", cfg.Path)
			fmt.Fprintf(out, "Principal:   %s\n", cfg.Principal)
			fmt.Fprintf(out, "Data Dir:    %s\n", cfg.DataDir)
			fmt.Fprintf(out, "Backend:     %s\n", cfg.Backend)
			switch cfg.Backend {
			case config.BackendSQLite:
				fmt.Fprintf(out, "Database:    %s\n", cfg.DatabasePath)
			case config.BackendS3:
				fmt.Fprintf(out, "Bucket:      %s\n", cfg.S3.Bucket)
				fmt.Fprintf(out, "Region:      %s\n", cfg.S3.Region)
				if cfg.S3.Endpoint != "" {
					fmt.Fprintf(out, "Endpoint:    %s\n", cfg.S3.Endpoint)
				}
				fmt.Fprintf(out, "Access Key:  %s\n", utils.MaskSecret(cfg.S3.AccessKey))
				fmt.Fprintf(out, "Secret Key:  %s\n", utils.MaskSecret(cfg.S3.SecretKey))
				if cfg.S3.CacheSize > 0 {
					fmt.Fprintf(out, "Cache Size:  %d\n", cfg.S3.CacheSize)
				}
			}
			fmt.Fprintf(out, "Store Dir:   %s\n", cfg.StoreDir())
			fmt.Fprintf(out, "Zone:        %s\n", cfg.ZoneName)
			fmt.Fprintf(out, "Page Size:   %d\n", cfg.PageSize)
			fmt.Fprintf(out, "Journal:     %t\n", cfg.Journal)
			fmt.Fprintf(out, "Interval:    %s\n", cfg.RefreshInterval)
			return nil
		},
	}
}
