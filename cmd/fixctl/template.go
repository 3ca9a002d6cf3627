package main

import (
	"fmt"
	"os"
)

func writeTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(configTemplate), 0o600)
}

const configTemplate = `# fixctl session engine
mode = "acceptor"
addr = ":9878"
admin_addr = "127.0.0.1:9879"
cors_origins = ["http://localhost:3000"]
shutdown_timeout = "10s"

begin_string = "FIX.4.4"
sender_comp_id = "BBBB"
# target_comp_id is required in initiator mode.
# target_comp_id = "AAA"
heartbeat_interval = 30
test_request_grace_factor = 1.0
logon_timeout = "10s"
logout_timeout = "5s"
write_timeout = "10s"
max_queued_messages = 1024
dispatch_max_pending = 4096
reset_on_logon = false

# initiator only
dial_timeout = "5s"
reconnect = true
max_attempts = 0

tls_enabled = false
tls_mutual = false
tls_cert_file = ""
tls_key_file = ""
tls_ca_file = ""

# memory | file | redis
store = "file"
store_path = "fixctl-sessions.toml"
redis_addr = "127.0.0.1:6379"
redis_prefix = "fixctl"
redis_claim_ttl = "2m"

auth_comp_ids = ["AAA"]

[auth_passwords]
AAA = "temp-dev-password"
`
