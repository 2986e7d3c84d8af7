package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LLMChanged is true when the primary provider entry or the fallback
	// chain changed and the provider stack should be rebuilt.
	LLMChanged bool

	// MaxToolStepsChanged is true when the agent step budget changed.
	MaxToolStepsChanged bool
	NewMaxToolSteps     int
}

// HasChanges reports whether any hot-reloadable field differs.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.LLMChanged || d.MaxToolStepsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !providerEntryEqual(old.Providers.LLM, new.Providers.LLM) ||
		!slices.EqualFunc(old.Providers.Fallbacks, new.Providers.Fallbacks, providerEntryEqual) {
		d.LLMChanged = true
	}

	if old.Agent.MaxToolSteps != new.Agent.MaxToolSteps {
		d.MaxToolStepsChanged = true
		d.NewMaxToolSteps = new.Agent.MaxToolSteps
	}

	return d
}

// providerEntryEqual compares two provider entries including their options.
func providerEntryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		reflect.DeepEqual(a.Options, b.Options)
}
