// Package transports imports all built-in transports for auto-registration.
// Import this package to have every server scheme available in the default
// registry.
package transports

import (
	_ "github.com/Workana/li3-gearman/transport/aws"
	_ "github.com/Workana/li3-gearman/transport/channel"
	_ "github.com/Workana/li3-gearman/transport/file"
	_ "github.com/Workana/li3-gearman/transport/http"
	_ "github.com/Workana/li3-gearman/transport/jetstream"
	_ "github.com/Workana/li3-gearman/transport/kafka"
	_ "github.com/Workana/li3-gearman/transport/nats"
	_ "github.com/Workana/li3-gearman/transport/rabbitmq"
)
