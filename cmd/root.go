package cmd

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/autorun-cli/autorun/internal/llm"
	"github.com/autorun-cli/autorun/internal/orchestrator"
	"github.com/autorun-cli/autorun/internal/output"
	"github.com/autorun-cli/autorun/internal/runner"
	"github.com/autorun-cli/autorun/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store
	service   *orchestrator.Service
	autoRun   *runner.Runner

	verbose bool
	cfgFile string

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "autorun",
	Short: "Plan, approve, and autonomously execute task plans",
	Long: `autorun manages executable task plans: break a goal into steps,
gate the risky ones behind approvals, and let the model walk the plan
to completion while you watch the progress stream.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ~/.config/autorun/config.yaml)")
	rootCmd.PersistentFlags().String("owner", "", "Act as this owner (default: current OS user)")
	_ = viper.BindPFlag("owner", rootCmd.PersistentFlags().Lookup("owner"))

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "autorun %s (commit %s, built %s)\n", buildVersion, buildCommit, buildDate)
	},
}

func initConfig() {
	configDir, err := configDirFunc()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot find config directory: %v\n", err)
		os.Exit(1)
	}

	// If --config is explicitly set, use that file
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("AUTORUN")
	viper.AutomaticEnv()

	viper.SetDefault("owner", osUsername())
	viper.SetDefault("state_dir", configDir)
	viper.SetDefault("db_path", filepath.Join(configDir, "autorun.db"))
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("run.max_steps", 5)
	viper.SetDefault("serve.addr", "127.0.0.1:7117")
	viper.SetDefault("serve.pid_file", filepath.Join(configDir, "autorun.pid"))

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	// Store and services are initialized lazily so config/version
	// commands run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getService returns the shared orchestration service.
func getService() (*orchestrator.Service, error) {
	if service != nil {
		return service, nil
	}
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	var gen llm.Generator
	if c := newLLMClient(); c != nil {
		gen = c
	}
	service = orchestrator.NewService(s, gen)
	return service, nil
}

// getRunner returns the shared autorun executor.
func getRunner() (*runner.Runner, error) {
	if autoRun != nil {
		return autoRun, nil
	}
	svc, err := getService()
	if err != nil {
		return nil, err
	}
	gen := newLLMClient()
	if gen == nil {
		return nil, fmt.Errorf("no Anthropic API key configured: set anthropic.api_key or ANTHROPIC_API_KEY")
	}
	autoRun = runner.New(svc, gen)
	return autoRun, nil
}

// newLLMClient creates an LLM client from config/env, or returns nil if
// no API key is configured.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}

// currentOwner is the identity every command acts as.
func currentOwner() string {
	return viper.GetString("owner")
}

// originContext labels where a plan was created from.
func originContext() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return "cli:" + host
}

func osUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// shortID returns a truncated ULID for display (first 12 chars).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
