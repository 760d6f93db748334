package app

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
	"github.com/ggonzalez94/solswap/internal/model"
	"github.com/ggonzalez94/solswap/internal/out"
	"github.com/ggonzalez94/solswap/internal/version"
)

// diagnostics carries what a failed command had already learned (warnings,
// provider statuses, partial flag) into its error envelope.
type diagnostics struct {
	command   string
	warnings  []string
	providers []model.ProviderStatus
	partial   bool
}

func (d *diagnostics) reset() {
	d.warnings, d.providers, d.partial = nil, nil, false
}

func (d *diagnostics) capture(warnings []string, providers []model.ProviderStatus, partial bool) {
	d.warnings = append([]string(nil), warnings...)
	d.providers = append([]model.ProviderStatus(nil), providers...)
	d.partial = partial
}

func (s *runtimeState) envelope(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus, partial bool) model.Envelope {
	if len(providers) == 0 {
		providers = nil
	}
	return model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheStatus,
			Partial:   partial,
		},
	}
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus, partial bool) error {
	return out.Render(s.runner.stdout, s.envelope(commandPath, data, warnings, cacheStatus, providers, partial), s.settings)
}

// renderError writes the failure envelope to stderr. Field selection and
// results-only never apply to errors.
func (s *runtimeState) renderError(err error) {
	command := s.diag.command
	if command == "" {
		command = version.CLIName
	}
	env := s.envelope(command, []any{}, s.diag.warnings, cacheMetaBypass(), s.diag.providers, s.diag.partial)
	env.Success = false
	env.Error = &model.ErrorBody{
		Code:    clierr.ExitCode(err),
		Type:    clierr.Kind(err),
		Message: err.Error(),
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	_ = out.RenderError(s.runner.stderr, env, settings)
}

// classifyCommandError gives untyped errors from cobra a code. Argument and
// flag mistakes are usage errors; anything else is internal.
func classifyCommandError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{
		"unknown command", "unknown flag", "unknown shorthand flag", "required flag(s)",
		"flag needs an argument", "requires at least", "requires exactly", "accepts ",
		"invalid argument", "invalid args",
	} {
		if strings.Contains(msg, hint) {
			return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
		}
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func cacheKey(commandPath string, req any) string {
	h := sha256.New()
	h.Write([]byte(commandPath))
	h.Write([]byte{'|'})
	_ = json.NewEncoder(h).Encode(req)
	return hex.EncodeToString(h.Sum(nil))
}

func newRequestID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// statusFromErr is the provider status string for meta.providers.
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
	default:
		return "error"
	}
}

func cacheMetaBypass() model.CacheStatus { return model.CacheStatus{Status: "bypass"} }

func cacheMetaMiss() model.CacheStatus { return model.CacheStatus{Status: "miss"} }
