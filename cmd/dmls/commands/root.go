package commands

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dmls/internal/app"
	"dmls/internal/util/log"
)

// passphraseEnv supplies the passphrase when -p is not given.
const passphraseEnv = "DMLS_PASSPHRASE"

// env is the state shared by every command of one invocation.
type env struct {
	configPath string
	passphrase string
	logLevel   string
	backend    string
	statePath  string

	cfg    app.Config
	logger *zap.Logger
}

// Execute runs the CLI against the process arguments.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree. Input and output go through the
// command's configured streams.
func NewRootCommand() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:          "dmls",
		Short:        "Group messaging agent with exporter-PSK continuity",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&e.configPath, "config", "", "YAML config file")
	pf.StringVarP(&e.passphrase, "passphrase", "p", "", "passphrase protecting the state (or $"+passphraseEnv+")")
	pf.StringVar(&e.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&e.backend, "backend", "", "state backend: json or bolt")

	root.AddCommand(genStateCmd(e), useStateCmd(e), inspectMessageCmd())
	return root
}

// setup loads config, applies flag overrides and installs the logger.
func (e *env) setup(cmd *cobra.Command) error {
	cfg, err := app.LoadConfig(e.configPath)
	if err != nil {
		return err
	}
	if e.logLevel != "" {
		cfg.LogLevel = e.logLevel
	}
	if e.backend != "" {
		cfg.Backend = e.backend
	}
	cfg.Passphrase = e.passphrase
	if cfg.Passphrase == "" {
		cfg.Passphrase = os.Getenv(passphraseEnv)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := log.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	e.cfg, e.logger = cfg, logger

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = log.WithLogger(ctx, logger)
	ctx = log.WithFields(ctx,
		zap.String("run_id", uuid.NewString()),
		zap.String("command", cmd.CommandPath()))
	cmd.SetContext(ctx)
	return nil
}

// open loads the state named by --state, runs fn and saves on success.
func (e *env) open(cmd *cobra.Command, fn func(a *app.App) error) error {
	logger := log.LoggerFromContext(cmd.Context())
	a, err := app.Open(e.cfg, e.statePath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if err := fn(a); err != nil {
		return err
	}
	return a.Save()
}
