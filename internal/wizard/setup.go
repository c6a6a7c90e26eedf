package wizard

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/randalmurphal/ralph/internal/config"
)

// SetupSteps builds the 'ralph init' flow, seeded with defaults.
func SetupSteps(defaults *config.Config) []Step {
	return []Step{
		NewInputStep("state_home", "Where should ralph keep its state?").
			WithDescription("Worktrees, session streams, run logs, and the database live here.").
			WithDefault(defaults.StateHome).
			WithValidate(validateStateHome),

		NewInputStep("allowlist", "Which repo owners may ralph operate on?").
			WithDescription("Comma-separated GitHub owners. Issues outside these owners are never touched.").
			WithPlaceholder("acme, my-org").
			WithValidate(validateAllowlist),

		NewInputStep("token_env", "Which environment variable holds the GitHub token?").
			WithDefault(defaults.GitHubTokenEnv).
			WithValidate(validateEnvName),

		NewInputStep("max_concurrent", "How many tasks may run at once?").
			WithDescription("The global cap across all repos. Per-repo slots default to 1.").
			WithDefault(strconv.Itoa(defaults.Dispatch.MaxConcurrent)).
			WithValidate(validateConcurrency),

		NewConfirmStep("dashboard", "Enable the dashboard API?").
			WithDescription("Serves the task snapshot and live event stream over HTTP.").
			WithDefault(defaults.Server.Enabled),

		NewInputStep("dashboard_addr", "Dashboard listen address").
			WithDefault(defaults.Server.Addr).
			WithSkipFunc(func(s State) bool { return !s.Bool("dashboard") }).
			WithValidate(validateAddr),

		NewDisplayStep("summary", "Ready to write config", summarize),
	}
}

// RunSetup walks the wizard and writes the resulting config YAML under
// the chosen state home. Returns the written config and its path.
func RunSetup(defaults *config.Config) (*config.Config, string, error) {
	w := New(SetupSteps(defaults)...)
	if err := w.Run(); err != nil {
		return nil, "", err
	}
	cfg, err := BuildConfig(defaults, w.State())
	if err != nil {
		return nil, "", err
	}
	path := filepath.Join(cfg.StateHome, config.ConfigFileName)
	if err := config.Save(cfg, path); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// BuildConfig folds the wizard answers onto the defaults.
func BuildConfig(defaults *config.Config, state State) (*config.Config, error) {
	cfg := *defaults

	if home := state.String("state_home"); home != "" {
		cfg.StateHome = home
	}
	cfg.Allowlist = splitOwners(state.String("allowlist"))
	if env := state.String("token_env"); env != "" {
		cfg.GitHubTokenEnv = env
	}
	if raw := state.String("max_concurrent"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("max concurrent: %w", err)
		}
		cfg.Dispatch.MaxConcurrent = n
	}
	cfg.Server.Enabled = state.Bool("dashboard")
	if addr := state.String("dashboard_addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitOwners(raw string) []string {
	var owners []string
	for _, part := range strings.Split(raw, ",") {
		if owner := strings.TrimSpace(part); owner != "" {
			owners = append(owners, owner)
		}
	}
	return owners
}

func validateStateHome(v string) error {
	if v == "" {
		return fmt.Errorf("state home is required")
	}
	if !filepath.IsAbs(v) {
		return fmt.Errorf("state home must be an absolute path")
	}
	return nil
}

func validateAllowlist(v string) error {
	owners := splitOwners(v)
	if len(owners) == 0 {
		return fmt.Errorf("at least one owner is required")
	}
	for _, owner := range owners {
		if strings.ContainsAny(owner, "/# ") {
			return fmt.Errorf("%q is not a valid owner", owner)
		}
	}
	return nil
}

func validateEnvName(v string) error {
	if v == "" {
		return fmt.Errorf("environment variable name is required")
	}
	for _, r := range v {
		valid := r == '_' || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			(r >= 'a' && r <= 'z')
		if !valid {
			return fmt.Errorf("%q is not a valid environment variable name", v)
		}
	}
	return nil
}

func validateConcurrency(v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if n < 1 || n > 64 {
		return fmt.Errorf("must be between 1 and 64")
	}
	return nil
}

func validateAddr(v string) error {
	if v == "" {
		return fmt.Errorf("listen address is required")
	}
	if !strings.Contains(v, ":") {
		return fmt.Errorf("address must include a port, like :8799")
	}
	return nil
}

func summarize(state State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State home:      %s\n", state.String("state_home"))
	fmt.Fprintf(&b, "Owners:          %s\n", strings.Join(splitOwners(state.String("allowlist")), ", "))
	fmt.Fprintf(&b, "Token env:       %s\n", state.String("token_env"))
	fmt.Fprintf(&b, "Max concurrent:  %s\n", state.String("max_concurrent"))
	if state.Bool("dashboard") {
		fmt.Fprintf(&b, "Dashboard:       enabled on %s\n", state.String("dashboard_addr"))
	} else {
		b.WriteString("Dashboard:       disabled\n")
	}
	return b.String()
}
