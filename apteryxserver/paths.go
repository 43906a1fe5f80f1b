package apteryxserver

// Well-known prefixes under which the daemon exposes its own
// configuration as ordinary store paths. Writing a pattern to
// <kind>s/<guid> creates the matching registry record; writing the
// empty value destroys it.
const (
	RootPath       = "/apteryx"
	DebugPath      = "/apteryx/debug"
	SocketsPath    = "/apteryx/sockets"
	WatchersPath   = "/apteryx/watchers"
	WatchTreesPath = "/apteryx/watchtrees"
	ValidatorsPath = "/apteryx/validators"
	RefreshersPath = "/apteryx/refreshers"
	ProvidersPath  = "/apteryx/providers"
	IndexersPath   = "/apteryx/indexers"
	ProxiesPath    = "/apteryx/proxies"
	CountersPath   = "/apteryx/counters"
	StatisticsPath = "/apteryx/statistics"
	VersionPath    = "/apteryx/version"
)
