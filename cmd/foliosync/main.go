package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/foliosync/internal/config"
	"github.com/openmined/foliosync/internal/utils"
	"github.com/openmined/foliosync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "FOLIOSYNC"

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"principal":    "principal",
	"data-dir":     "data_dir",
	"backend":      "backend",
	"journal":      "journal",
	"verbose":      "verbose",
	"interval":     "refresh_interval",
	"metrics-addr": "metrics_addr",
}

// cli carries the per invocation viper instance so commands can be built
// more than once in tests.
type cli struct {
	v       *viper.Viper
	logFile *os.File
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "foliosync",
		Short:         "Sync private and shared folios",
		Version:       version.Detailed(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := c.loadConfig(cmd); err != nil {
				return err
			}
			return c.setupLogging(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.close()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.SortFlags = false
	pf.StringP("config", "c", config.DefaultConfigPath, "config file")
	pf.StringP("principal", "p", "", "email address of the principal to act as")
	pf.StringP("data-dir", "d", config.DefaultDataDir, "data directory")
	pf.String("backend", config.DefaultBackend, "store backend (sqlite or s3)")
	pf.Bool("journal", false, "resume syncs from persisted change tokens")
	pf.BoolP("verbose", "v", false, "debug logging on the console")

	rootCmd.AddCommand(
		c.newInitCmd(),
		c.newListCmd(),
		c.newAddCmd(),
		c.newShareCmd(),
		c.newDeleteCmd(),
		c.newPurgeCmd(),
		c.newWatchCmd(),
		c.newConfigCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func (c *cli) loadConfig(cmd *cobra.Command) error {
	// values already in the environment win over .env
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	v := c.v
	configPath, _ := cmd.Flags().GetString("config")
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return fmt.Errorf("config read '%s': %w", configPath, err)
		}
	}

	setDefaults(v)
	for flagName, key := range flagKeys {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", flagName, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return nil
}

// setDefaults registers every key so AutomaticEnv can fill it on Unmarshal.
func setDefaults(v *viper.Viper) {
	d := config.Default()
	v.SetDefault("principal", "")
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("backend", d.Backend)
	v.SetDefault("database_path", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.cache_size", 0)
	v.SetDefault("zone_name", d.ZoneName)
	v.SetDefault("page_size", d.PageSize)
	v.SetDefault("zone_concurrency", 0)
	v.SetDefault("journal", false)
	v.SetDefault("refresh_interval", d.RefreshInterval)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

// config resolves and validates the effective configuration.
func (c *cli) config() (*config.Config, error) {
	cfg := config.Default()
	if err := c.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Path = c.v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cli) setupLogging(cmd *cobra.Command) error {
	level := slog.LevelInfo
	if c.v.GetBool("verbose") {
		level = slog.LevelDebug
	}

	stderr := cmd.ErrOrStderr()
	consoleHandler := tint.NewHandler(stderr, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isTerminal(stderr),
	})

	dataDir, err := utils.ResolvePath(c.v.GetString("data_dir"))
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	logPath := config.LogFilePath(dataDir)
	if err := utils.EnsureParent(logPath); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	c.logFile = file

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(consoleHandler, fileHandler)))
	return nil
}

func (c *cli) close() error {
	if c.logFile == nil {
		return nil
	}
	err := c.logFile.Close()
	c.logFile = nil
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
