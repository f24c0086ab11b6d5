package config

// ConfigDiff describes what changed between two configs. Only the log level
// can be applied without a restart; the other flags exist so the server can
// warn that a restart is needed.
type ConfigDiff struct {
	LogLevelChanged  bool
	NewLogLevel      LogLevel
	ProvidersChanged bool
	SchedulerChanged bool
	DatabaseChanged  bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Providers.ASR != new.Providers.ASR ||
		len(old.Providers.Fallbacks) != len(new.Providers.Fallbacks) {
		d.ProvidersChanged = true
	} else {
		for i := range old.Providers.Fallbacks {
			if old.Providers.Fallbacks[i] != new.Providers.Fallbacks[i] {
				d.ProvidersChanged = true
				break
			}
		}
	}

	// UseSPSC is a pointer; compare resolved values, then the rest.
	oldSched, newSched := old.Scheduler, new.Scheduler
	oldSched.UseSPSC, newSched.UseSPSC = nil, nil
	if oldSched != newSched || ResolveSPSC(old.Scheduler.UseSPSC) != ResolveSPSC(new.Scheduler.UseSPSC) {
		d.SchedulerChanged = true
	}

	if old.Database != new.Database {
		d.DatabaseChanged = true
	}
	return d
}

// ResolveSPSC applies the default: the SPSC pipeline is on unless disabled.
func ResolveSPSC(v *bool) bool {
	if v == nil {
		return true
	}
	return *v
}
