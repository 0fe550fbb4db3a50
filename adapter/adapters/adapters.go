// Package adapters imports the built-in adapters and every transport so that
// configurations can name any of them. Import it for side effects.
package adapters

import (
	_ "github.com/Workana/li3-gearman/adapter/job"
	_ "github.com/Workana/li3-gearman/transport/transports"
)
