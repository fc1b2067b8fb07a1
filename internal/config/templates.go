package config

import (
	"fmt"
	"os"
)

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}

// Template is a commented starting point for qmictl.toml.
const Template = `# qmux or qrtr
transport = "qmux"

[qmux]
device = "/dev/cdc-wdm0"

[qrtr]
# -1 keeps services from every node
node = -1

[timeouts]
discover = "8s"
client = "8s"
lookup = "5s"

[discovery]
attempts = 3
initial_delay = "250ms"
max_delay = "2s"

[log]
level = "info"
file = ""

[status]
addr = "127.0.0.1:9380"
# bearer token required by every route except /health; empty disables
token = ""

[modem]
max_pending = 32
`
