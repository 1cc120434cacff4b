package observability

// Config captures opt-in observability toggles that wire into the server.
type Config struct {
	// StatsviewAddr starts the runtime statistics viewer on this address
	// when non-empty.
	StatsviewAddr string
	// SentryDSN enables error forwarding when non-empty.
	SentryDSN         string
	SentryEnvironment string
}

// StatsviewEnabled reports whether the runtime viewer should start.
func (c Config) StatsviewEnabled() bool {
	return c.StatsviewAddr != ""
}

// SentryEnabled reports whether error events should be forwarded.
func (c Config) SentryEnabled() bool {
	return c.SentryDSN != ""
}
