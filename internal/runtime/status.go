package runtime

import (
	"net/http"
	"strings"

	"github.com/spf13/cast"

	"github.com/Workana/li3-gearman/adapter"
	"github.com/Workana/li3-gearman/internal/runtime/jsoncodec"
	"github.com/Workana/li3-gearman/transport"
)

// ConfigurationStatus is one entry of the status endpoint.
type ConfigurationStatus struct {
	Name         string                `json:"name"`
	Adapter      string                `json:"adapter,omitempty"`
	Servers      []string              `json:"servers,omitempty"`
	Filters      int                   `json:"filters"`
	Capabilities *adapter.Capabilities `json:"capabilities,omitempty"`
	// Transports holds the capabilities of each server's transport, in the
	// order of Servers.
	Transports []transport.Capabilities `json:"transports,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// Status describes every registered configuration. Server credentials are
// redacted and adapters are not built.
func (d *Dispatcher) Status() []ConfigurationStatus {
	names := d.registry.Names()
	out := make([]ConfigurationStatus, 0, len(names))
	for _, name := range names {
		st := ConfigurationStatus{Name: name}
		cfg, err := d.registry.GetConfig(name)
		if err != nil {
			st.Error = err.Error()
			out = append(out, st)
			continue
		}
		st.Adapter = cfg.Adapter
		st.Servers = cfg.RedactedServers()
		st.Filters = len(cfg.Filters)
		if caps, ok := d.registry.adapters.GetCapabilities(cfg.Adapter); ok {
			st.Capabilities = &caps
		}
		st.Transports = describeTransports(cfg.Servers, cast.ToString(cfg.Options["transport"]))
		out = append(out, st)
	}
	return out
}

func describeTransports(servers []string, defaultScheme string) []transport.Capabilities {
	out := make([]transport.Capabilities, 0, len(servers))
	for _, raw := range servers {
		_, caps, err := transport.Describe(raw, defaultScheme)
		if err != nil {
			caps = transport.Capabilities{}
		}
		out = append(out, caps)
	}
	return out
}

// StatusHandler serves Status as JSON. Requests from allowedOrigins ("*"
// allows any) get CORS headers.
func (d *Dispatcher) StatusHandler(allowedOrigins ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if origin := allowedCORSOrigin(allowedOrigins, r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet, http.MethodHead:
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := jsoncodec.Encode(w, d.Status()); err != nil {
			d.Logger.Error("Failed to encode status", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func allowedCORSOrigin(allowed []string, requestOrigin string) string {
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(a, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
