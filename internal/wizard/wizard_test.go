package wizard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ralph/internal/config"
)

func TestBuildConfig(t *testing.T) {
	state := State{
		"state_home":     "/var/lib/ralph",
		"allowlist":      "acme, my-org",
		"token_env":      "RALPH_GITHUB_TOKEN",
		"max_concurrent": "8",
		"dashboard":      true,
		"dashboard_addr": ":9000",
	}

	cfg, err := BuildConfig(config.Default(), state)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ralph", cfg.StateHome)
	assert.Equal(t, []string{"acme", "my-org"}, cfg.Allowlist)
	assert.Equal(t, "RALPH_GITHUB_TOKEN", cfg.GitHubTokenEnv)
	assert.Equal(t, 8, cfg.Dispatch.MaxConcurrent)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, ":9000", cfg.Server.Addr)
}

func TestBuildConfig_KeepsDefaults(t *testing.T) {
	defaults := config.Default()
	cfg, err := BuildConfig(defaults, State{"allowlist": "acme"})
	require.NoError(t, err)

	assert.Equal(t, defaults.StateHome, cfg.StateHome)
	assert.Equal(t, defaults.GitHubTokenEnv, cfg.GitHubTokenEnv)
	assert.Equal(t, defaults.Dispatch.MaxConcurrent, cfg.Dispatch.MaxConcurrent)
	assert.False(t, cfg.Server.Enabled)
}

func TestBuildConfig_RejectsInvalid(t *testing.T) {
	_, err := BuildConfig(config.Default(), State{
		"allowlist":      "acme",
		"max_concurrent": "0",
	})
	assert.Error(t, err)
}

func TestValidators(t *testing.T) {
	assert.NoError(t, validateStateHome("/home/u/.ralph"))
	assert.Error(t, validateStateHome(""))
	assert.Error(t, validateStateHome("relative/path"))

	assert.NoError(t, validateAllowlist("acme"))
	assert.NoError(t, validateAllowlist("acme, my-org"))
	assert.Error(t, validateAllowlist(""))
	assert.Error(t, validateAllowlist("acme/repo"))

	assert.NoError(t, validateEnvName("GITHUB_TOKEN"))
	assert.Error(t, validateEnvName(""))
	assert.Error(t, validateEnvName("NOT VALID"))

	assert.NoError(t, validateConcurrency("4"))
	assert.Error(t, validateConcurrency("0"))
	assert.Error(t, validateConcurrency("many"))

	assert.NoError(t, validateAddr(":8799"))
	assert.Error(t, validateAddr("localhost"))
}

func TestSplitOwners(t *testing.T) {
	assert.Equal(t, []string{"acme", "beta"}, splitOwners(" acme , beta ,"))
	assert.Nil(t, splitOwners("  "))
}

func TestSetupSteps_DashboardAddrSkipped(t *testing.T) {
	steps := SetupSteps(config.Default())

	var addrStep Step
	for _, s := range steps {
		if s.ID() == "dashboard_addr" {
			addrStep = s
		}
	}
	require.NotNil(t, addrStep)

	assert.True(t, addrStep.Skip(State{"dashboard": false}))
	assert.False(t, addrStep.Skip(State{"dashboard": true}))
}

func TestWizard_SkipAhead(t *testing.T) {
	skipped := NewConfirmStep("skipped", "never shown").
		WithSkipFunc(func(State) bool { return true })
	w := New(skipped)

	require.NoError(t, w.Run(), "a wizard of only skipped steps completes immediately")
}

func TestInputStep_ResultTrimsWhitespace(t *testing.T) {
	step := NewInputStep("name", "Name")
	model := step.Init(State{}).(*inputModel)
	model.textInput.SetValue("  acme  ")

	state := State{}
	step.Result(model, state)
	assert.Equal(t, "acme", state.String("name"))
}
