package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ggonzalez94/defi-autorepay/internal/config"
	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/ggonzalez94/defi-autorepay/internal/execution/signer"
	"github.com/ggonzalez94/defi-autorepay/internal/logging"
	"github.com/ggonzalez94/defi-autorepay/internal/metrics"
	"github.com/ggonzalez94/defi-autorepay/internal/model"
	"github.com/ggonzalez94/defi-autorepay/internal/out"
	"github.com/ggonzalez94/defi-autorepay/internal/providers/hermes"
	"github.com/ggonzalez94/defi-autorepay/internal/providers/jupiter"
	"github.com/ggonzalez94/defi-autorepay/internal/schema"
	"github.com/ggonzalez94/defi-autorepay/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner      *Runner
	flags       config.GlobalFlags
	settings    config.Settings
	logger      *zap.Logger
	metrics     *metrics.Metrics
	root        *cobra.Command
	lastCommand string
	wallet      string

	// newServices is swapped in tests.
	newServices     func(config.Settings, *zap.Logger, *metrics.Metrics) (*services, error)
	newReadServices func(config.Settings, *zap.Logger, *metrics.Metrics) (*services, error)
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{
		runner:          r,
		newServices:     newServices,
		newReadServices: newReadServices,
	}
	return state.execute(args)
}

func (s *runtimeState) execute(args []string) int {
	root := s.newRootCommand()
	s.root = root
	root.SetArgs(args)
	root.SetOut(s.runner.stdout)
	root.SetErr(s.runner.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := normalizeRunError(root.Execute())
	if s.logger != nil {
		_ = s.logger.Sync()
	}
	if err == nil {
		return 0
	}
	s.renderError("", err, nil)
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Automated deleveraging bot for Quartz vaults",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.lastCommand = trimRootPath(cmd.CommandPath())

			logger, err := logging.New(logging.Options{
				Level:   settings.LogLevel,
				Format:  settings.LogFormat,
				File:    settings.LogFile,
				Service: version.CLIName,
				Stderr:  s.runner.stderr,
			})
			if err != nil {
				return clierr.Wrap(clierr.CodeConfig, "build logger", err)
			}
			s.logger = logger
			s.metrics = metrics.New()
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	pf := cmd.PersistentFlags()
	pf.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	pf.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	pf.StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted for nested)")
	pf.BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	pf.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	pf.StringVar(&s.flags.EnvFile, "env-file", "", "Path to a .env file")
	pf.StringVar(&s.flags.Timeout, "timeout", "", "Provider request timeout")
	pf.IntVar(&s.flags.Retries, "retries", -1, "Retries per provider request")
	pf.StringVar(&s.flags.RPCURL, "rpc-url", "", "Solana RPC endpoint")
	pf.StringVar(&s.flags.KeySource, "key-source", "", "Wallet key source: auto, env or file")
	pf.StringVar(&s.flags.LogLevel, "log-level", "", "Log level")
	pf.StringVar(&s.flags.LogFormat, "log-format", "", "Log format: json or console")
	schema.BindEnv(pf, "config", "AUTOREPAY_CONFIG")
	schema.BindEnv(pf, "timeout", "AUTOREPAY_TIMEOUT")
	schema.BindEnv(pf, "retries", "AUTOREPAY_RETRIES")
	schema.BindEnv(pf, "rpc-url", "AUTOREPAY_RPC_URL")
	schema.BindEnv(pf, "key-source", "AUTOREPAY_KEY_SOURCE")
	schema.BindEnv(pf, "log-level", "AUTOREPAY_LOG_LEVEL")
	schema.BindEnv(pf, "log-format", "AUTOREPAY_LOG_FORMAT")

	cmd.AddCommand(s.newRunCommand())
	cmd.AddCommand(s.newInitCommand())
	cmd.AddCommand(s.newScanCommand())
	cmd.AddCommand(s.newPlanCommand())
	cmd.AddCommand(s.newAttemptsCommand())
	cmd.AddCommand(s.newConfigCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, nil)
		},
	}
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Off-chain provider commands"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List swap and price providers and their API key metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			infos := []model.ProviderInfo{
				jupiter.New(nil, s.settings.JupiterBaseURL, s.settings.JupiterAPIKey).Info(),
				hermes.New(nil, s.settings.HermesURL, nil, s.settings.MaxPriceAge).Info(),
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), infos, nil, nil)
		},
	}
	root.AddCommand(list)
	return root
}

func (s *runtimeState) newConfigCommand() *cobra.Command {
	root := &cobra.Command{Use: "config", Short: "Configuration commands"}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := s.settings
			settings.RPCURL = redactURL(settings.RPCURL)
			var warnings []string
			if err := settings.Validate(); err != nil {
				warnings = append(warnings, err.Error())
			}
			if _, err := signer.NewLocalSignerFromEnv(settings.KeySource); err != nil {
				warnings = append(warnings, err.Error())
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), settings, warnings, nil)
		},
	}
	root.AddCommand(show)
	return root
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, providers []model.ProviderStatus) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Wallet:    s.wallet,
			Providers: providers,
		},
	}
	return out.Render(s.runner.stdout, env, out.OptionsFrom(s.settings))
}

func (s *runtimeState) renderError(commandPath string, err error, providers []model.ProviderStatus) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.CodeOf(err)

	opts := out.OptionsFrom(s.settings)
	opts.ResultsOnly = false
	opts.Select = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    int(code),
			Type:    clierr.TypeName(code),
			Message: err.Error(),
		},
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Wallet:    s.wallet,
			Providers: providers,
		},
	}
	_ = out.Render(s.runner.stderr, env, opts)
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		norm := strings.ToLower(strings.TrimSpace(part))
		if norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

// redactURL strips credentials and query parameters, where RPC providers
// usually carry their API key.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	switch clierr.CodeOf(err) {
	case clierr.CodeAuth:
		return "auth_error"
	case clierr.CodeRateLimited:
		return "rate_limited"
	case clierr.CodeUnavailable:
		return "unavailable"
	case clierr.CodeNoRoute:
		return "no_route"
	case clierr.CodeStale:
		return "stale"
	default:
		return "error"
	}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
