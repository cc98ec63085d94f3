package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EngineChanged is set when the engine options differ. New options only
	// apply to sessions accepted after the reload.
	EngineChanged bool

	// SessionChanged is set when frame policy, backlog or write timeout
	// differ. Like engine options, they apply to new sessions.
	SessionChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart (listener, recognizer provider, VAD, telemetry).
	RestartRequired []string
}

// IsZero reports whether nothing relevant changed.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.EngineChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !reflect.DeepEqual(old.Engine, new.Engine) {
		d.EngineChanged = true
	}

	oldS, newS := old.Session, new.Session
	if oldS.FrameErrorPolicy != newS.FrameErrorPolicy || oldS.RealtimeBacklog != newS.RealtimeBacklog ||
		oldS.WriteTimeout != newS.WriteTimeout || oldS.MaxSessions != newS.MaxSessions {
		d.SessionChanged = true
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Recognizer, new.Recognizer) {
		d.RestartRequired = append(d.RestartRequired, "recognizer")
	}
	if !reflect.DeepEqual(old.VAD, new.VAD) {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	if !reflect.DeepEqual(old.Transcript, new.Transcript) {
		d.RestartRequired = append(d.RestartRequired, "transcript")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
