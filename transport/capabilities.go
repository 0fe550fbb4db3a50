package transport

// Capabilities describes how a transport delivers jobs. The Job adapter reads
// them to route delayed jobs and to refuse payloads a server cannot carry.
type Capabilities struct {
	Name string `json:"name"`

	// DelayedDelivery means the transport keeps a message carrying
	// MetadataRunAt away from subscribers until it is due.
	DelayedDelivery bool `json:"delayed_delivery"`

	// Redelivery means a nacked message is delivered again.
	Redelivery bool `json:"redelivery"`

	// Durable means published messages outlive the publishing process.
	Durable bool `json:"durable"`

	// MaxMessageSize is the largest payload in bytes. Zero means no limit.
	MaxMessageSize int `json:"max_message_size,omitempty"`
}

// Accepts reports whether a payload of size bytes fits the transport.
func (c Capabilities) Accepts(size int) bool {
	return c.MaxMessageSize <= 0 || size <= c.MaxMessageSize
}

// Describe parses raw like BuildDescriptor and returns the endpoint with the
// capabilities registered for its scheme, without connecting.
func (r *Registry) Describe(raw, defaultScheme string) (Endpoint, Capabilities, error) {
	ep, err := ParseEndpoint(raw, defaultScheme)
	if err != nil {
		return Endpoint{}, Capabilities{}, err
	}
	return ep, r.GetCapabilities(ep.Scheme), nil
}

// Describe uses the default registry.
func Describe(raw, defaultScheme string) (Endpoint, Capabilities, error) {
	return DefaultRegistry.Describe(raw, defaultScheme)
}
