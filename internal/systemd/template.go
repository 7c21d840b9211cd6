package systemd

import "fmt"

// UnitName is the broker service unit.
const UnitName = "sideload-broker.service"

// UnitOptions fill in the broker unit template.
type UnitOptions struct {
	Binary   string
	Config   string
	User     string
	StateDir string
}

// BrokerTemplate returns the systemd unit running "sideload broker serve".
func BrokerTemplate(o UnitOptions) string {
	if o.Binary == "" {
		o.Binary = "/usr/local/bin/sideload"
	}
	if o.User == "" {
		o.User = "root"
	}
	exec := o.Binary + " broker serve"
	if o.Config != "" {
		exec += " --config " + o.Config
	}
	return fmt.Sprintf(`[Unit]
Description=Sideload privilege broker
After=local-fs.target

[Service]
Type=simple
User=%s
ExecStart=%s
Restart=on-failure
RestartSec=2
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectKernelTunables=true
RestrictNamespaces=true
ReadWritePaths=%s
UMask=0007

[Install]
WantedBy=multi-user.target
`, o.User, exec, o.StateDir)
}
