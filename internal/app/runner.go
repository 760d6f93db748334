// Package app is the command-line adapter over the wallet, swap and
// holdings core. Every command writes one JSON (or plain) envelope.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ggonzalez94/solswap/internal/cache"
	"github.com/ggonzalez94/solswap/internal/config"
	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/logging"
	"github.com/ggonzalez94/solswap/internal/policy"
	"github.com/ggonzalez94/solswap/internal/schema"
	"github.com/ggonzalez94/solswap/internal/version"
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
	return &Runner{stdout: stdout, stderr: stderr, now: time.Now}
}

// runtimeState lives for one invocation.
type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	settings config.Settings
	cache    *cache.Store
	svc      *services
	root     *cobra.Command
	diag     diagnostics
}

// Run executes one command line and returns the process exit code.
func (r *Runner) Run(args []string) int {
	s := &runtimeState{runner: r}
	s.root = s.newRootCommand()
	s.root.SetArgs(args)
	s.root.SetOut(r.stdout)
	s.root.SetErr(r.stderr)
	s.root.SilenceUsage = true
	s.root.SilenceErrors = true
	defer s.close()

	if err := classifyCommandError(s.root.Execute()); err != nil {
		s.renderError(err)
		return clierr.ExitCode(err)
	}
	return 0
}

func (s *runtimeState) close() {
	s.svc.close()
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

// setup loads settings, applies command policy and builds services. It runs
// before every command except help.
func (s *runtimeState) setup(cmd *cobra.Command) error {
	settings, err := config.Load(s.flags)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
	}
	s.settings = settings

	path := trimRootPath(cmd.CommandPath())
	s.diag.command = path
	if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
		return err
	}
	if err := policy.CheckConfirmed(settings.AssumeYes, path); err != nil {
		return err
	}

	if s.cache == nil && settings.CacheEnabled && usesCache(path) {
		c, err := cache.Open(settings.CachePath, settings.CacheLockPath)
		if err != nil {
			return clierr.Wrap(clierr.CodeInternal, "open cache", err)
		}
		s.cache = c
	}
	if s.svc == nil {
		log, err := logging.New(settings.LogLevel, settings.LogFormat)
		if err != nil {
			return clierr.Wrap(clierr.CodeUsage, "init logger", err)
		}
		s.svc = newServices(settings, log.With(zap.String("command", path)), s.cache)
	}
	return nil
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Custodial Solana wallet and swap execution core",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			return s.setup(cmd)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})
	bindGlobalFlags(cmd.PersistentFlags(), &s.flags)

	cmd.AddCommand(
		s.newSchemaCommand(),
		s.newProvidersCommand(),
		s.newWalletCommand(),
		s.newTokensCommand(),
		s.newPriceCommand(),
		s.newSwapCommand(),
		s.newSwapsCommand(),
		s.newHoldingsCommand(),
		s.newWatchCommand(),
		s.newWorkerCommand(),
		newVersionCommand(),
	)
	return cmd
}

func bindGlobalFlags(fs *pflag.FlagSet, f *config.GlobalFlags) {
	fs.StringVar(&f.ConfigPath, "config", "", "Path to config file")
	fs.BoolVar(&f.JSON, "json", false, "Output JSON (default)")
	fs.BoolVar(&f.Plain, "plain", false, "Output plain text")
	fs.StringVar(&f.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	fs.BoolVar(&f.ResultsOnly, "results-only", false, "Output only data payload")
	fs.StringVar(&f.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	fs.BoolVar(&f.Yes, "yes", false, "Confirm commands that create wallets or move funds")
	fs.BoolVar(&f.Strict, "strict", false, "Fail when some tokens could not be priced")
	fs.StringVar(&f.Timeout, "timeout", "", "Upstream request timeout (e.g. 10s)")
	fs.IntVar(&f.Retries, "retries", -1, "Retries per upstream request")
	fs.StringVar(&f.MaxStale, "max-stale", "", "How long past TTL cached market data may be served when upstreams fail")
	fs.BoolVar(&f.NoStale, "no-stale", false, "Never serve stale market data")
	fs.BoolVar(&f.NoCache, "no-cache", false, "Disable the market data cache")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			v := version.CLIVersion
			if long {
				v = version.Long()
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Include build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Describe the command tree, marking commands that move funds",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "), schema.Options{
				Mutating:  policy.IsMutating,
				ExitCodes: exitCodes(),
			})
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil, false)
		},
	}
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Upstream provider commands"}
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List upstream providers and the API keys they accept",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.svc.providerInfos(), nil, cacheMetaBypass(), nil, false)
		},
	})
	return root
}

func exitCodes() []schema.ExitCode {
	codes := clierr.Codes()
	out := make([]schema.ExitCode, 0, len(codes))
	for _, c := range codes {
		out = append(out, schema.ExitCode{Code: int(c), Type: c.String()})
	}
	return out
}

// requestContext bounds one command. extra covers work beyond a single
// upstream round trip, such as waiting for confirmation.
func (s *runtimeState) requestContext(extra time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.settings.Timeout+extra)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

// usesCache is false for commands that never read market data.
func usesCache(commandPath string) bool {
	switch strings.Join(strings.Fields(strings.ToLower(commandPath)), " ") {
	case "", "version", "schema", "providers", "providers list", "wallet create", "wallet show":
		return false
	default:
		return true
	}
}
