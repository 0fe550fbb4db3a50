package adapter

// Capabilities describes what an adapter implementation supports beyond the
// mandatory capability set.
type Capabilities struct {
	Name string
	// Consume is true when the adapter implements Consumer.
	Consume bool
	// DelayedJobs is true when Run honours schedule/delay options.
	DelayedJobs bool
	// Closable is true when the adapter holds resources released by Close.
	Closable bool
}

// CapabilitiesProvider is implemented by adapters that report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
