package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AssistantChanged is set when any assistant setting changed. New
	// sessions pick the change up; running sessions keep their settings.
	// The connect breaker is the exception and is listed in RestartRequired.
	AssistantChanged bool

	// RestartRequired lists changed settings that only take effect after a
	// restart, as dotted YAML paths.
	RestartRequired []string
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Assistant != new.Assistant {
		d.AssistantChanged = true
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.allowed_origins", !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins))
	restart("server.tls", !equalTLS(old.Server.TLS, new.Server.TLS))
	restart("assistant.connect_breaker", old.Assistant.ConnectBreaker != new.Assistant.ConnectBreaker)
	restart("providers.live", !equalEntry(old.Providers.Live, new.Providers.Live))
	restart("storage", old.Storage != new.Storage)
	restart("mcp", old.MCP != new.MCP)

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		maps.EqualFunc(a.Options, b.Options, func(x, y any) bool { return reflect.DeepEqual(x, y) })
}
