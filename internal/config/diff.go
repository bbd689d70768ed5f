package config

import "slices"

// ConfigDiff describes what changed between two configs. Only settings that
// can be applied without a restart are tracked; everything else (providers,
// store, models, listen address) needs a process restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RouterChanged bool
	NewRouter     RouterConfig

	GlossaryChanged bool
	NewGlossary     []string
}

// Changed reports whether any hot-reloadable setting differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.RouterChanged || d.GlossaryChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Router != new.Router {
		d.RouterChanged = true
		d.NewRouter = new.Router
	}
	if !slices.Equal(old.Audio.Glossary, new.Audio.Glossary) {
		d.GlossaryChanged = true
		d.NewGlossary = slices.Clone(new.Audio.Glossary)
	}
	return d
}
