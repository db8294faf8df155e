package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Kinds lists the template kinds Template accepts.
var Kinds = []string{"world", "worldd", "worldclient"}

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "world":
		return worldTemplate, nil
	case "worldd":
		return daemonTemplate, nil
	case "worldclient":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const worldTemplate = `name = "plaza"

[[types]]
name = "avatar"
owner_only = true

[[types.members]]
name = "position"
kind = "vec3"
default = [0.0, 0.0, 0.0]

[[types.members]]
name = "rotation"
kind = "quat"
default = [0.0, 0.0, 0.0, 1.0]

[[types.members]]
name = "display_name"
kind = "string"
max_len = 64

[[types]]
name = "lamp"

[[types.members]]
name = "on"
kind = "bool"
default = false

[[types.members]]
name = "brightness"
kind = "float32"
min = 0.0
max = 1.0
default = 0.5

[[types.members]]
name = "serial"
kind = "uint64"
readonly = true

[[objects]]
id = 1
type = "lamp"
[objects.values]
on = true
serial = 4242
`

const daemonTemplate = `name = "plaza"
listen_addr = "127.0.0.1:7400"
websocket_addr = "127.0.0.1:7401"
admin_addr = "127.0.0.1:7402"
cors_origins = ["http://localhost:3000"]
world_file = "world.toml"
snapshot_dir = "data/snapshots"
snapshot_keep = 16
checkpoint_interval = "30s"
join_tokens = []

tick_interval = "50ms"
heartbeat_interval = "5s"
session_dead_after = "15s"
max_users = 64
allocation_block = 1048576
inbound_queue_limit = 256
outbound_queue_limit = 1024

session_security_mode = "development"
session_tls_enabled = false
session_tls_mutual = false
session_tls_cert_file = ""
session_tls_key_file = ""
session_tls_ca_file = ""
`

const clientTemplate = `user_name = "soak-1"
addr = "127.0.0.1:7400"
transport = "tcp"
token = ""
world_file = "world.toml"
auto_resync = true
tick_interval = "50ms"
status_interval = "5s"

soak_target = 1
soak_member = 1
soak_interval = "250ms"
stream_id = 1

reconnect = true
reconnect_initial_delay = "250ms"
reconnect_max_delay = "5s"
max_connect_attempts = 0

session_security_mode = "development"
session_tls_enabled = false
session_tls_ca_file = ""
session_tls_server_name = ""
`

// CheckTOML reports syntax errors in a service config.
func CheckTOML(data []byte) error {
	var out map[string]any
	if err := toml.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
