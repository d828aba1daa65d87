package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/haoxy000/feilong/internal/config"
	"github.com/haoxy000/feilong/internal/db"
	"github.com/haoxy000/feilong/internal/fcp"
	"github.com/haoxy000/feilong/internal/smt"
	"github.com/haoxy000/feilong/internal/volume"
)

var (
	cfgFile  string
	logLevel string
	dbPath   string
)

var exit = os.Exit

var rootCmd = &cobra.Command{
	Use:   "feilong",
	Short: "FCP device pool and volume attachment tool for z/VM guests",
	Long: `feilong manages the pool of FCP devices configured for volume use on a
z/VM host. It keeps the pool in line with the hypervisor inventory, hands
devices out to guests, and attaches or detaches FCP volumes with rollback
when a step fails.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lvl, err := log.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		log.SetLevel(lvl)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/feilong/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "FCP database path (overrides database.path)")

	rootCmd.AddCommand(volumeCmd)
	rootCmd.AddCommand(fcpCmd)
	rootCmd.AddCommand(versionCmd)
}

// app holds the objects shared by one command run
type app struct {
	store   *db.DB
	pool    *fcp.Manager
	volumes *volume.Manager
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if !cmd.Flags().Changed("log-level") {
		if lvl, err := log.ParseLevel(cfg.Log.Level); err == nil {
			log.SetLevel(lvl)
		}
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	store, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	client := smt.NewExecClient(smt.ExecConfig{
		ZthinBin: cfg.SMT.ZthinBin,
		TempDir:  cfg.SMT.TempDir,
	}, nil)
	pool := fcp.NewManager(cfg.FCPOptions(), store, client)
	configurator := volume.NewScriptConfigurator(client, cfg.Volume.PunchClass)

	return &app{
		store:   store,
		pool:    pool,
		volumes: volume.NewManager(pool, store, client, configurator),
	}, nil
}

func (a *app) Close() {
	a.store.Close()
}

// fatalf closes the app before exiting, deferred calls do not run on os.Exit
func (a *app) fatalf(format string, args ...interface{}) {
	a.Close()
	fatalf(format, args...)
}

func mustApp(cmd *cobra.Command) *app {
	a, err := newApp(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}
	return a
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
