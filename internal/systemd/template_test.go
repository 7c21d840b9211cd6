package systemd

import (
	"strings"
	"testing"
)

func TestBrokerTemplate(t *testing.T) {
	tmpl := BrokerTemplate(UnitOptions{Config: "/etc/sideload/config.yaml", StateDir: "/var/lib/sideload"})

	for _, section := range []string{"[Unit]", "[Service]", "[Install]"} {
		if !strings.Contains(tmpl, section) {
			t.Errorf("template missing section %s", section)
		}
	}

	if !strings.Contains(tmpl, "ExecStart=/usr/local/bin/sideload broker serve --config /etc/sideload/config.yaml") {
		t.Error("template missing broker serve command")
	}
	if !strings.Contains(tmpl, "User=root") {
		t.Error("template should default to root")
	}
	if !strings.Contains(tmpl, "ReadWritePaths=/var/lib/sideload") {
		t.Error("template missing ReadWritePaths for the state directory")
	}

	for _, directive := range []string{"NoNewPrivileges=true", "PrivateTmp=true", "ProtectSystem=strict"} {
		if !strings.Contains(tmpl, directive) {
			t.Errorf("template missing security directive %s", directive)
		}
	}
}

func TestBrokerTemplateWithoutConfig(t *testing.T) {
	tmpl := BrokerTemplate(UnitOptions{Binary: "/opt/sideload", User: "installer"})
	if !strings.Contains(tmpl, "ExecStart=/opt/sideload broker serve\n") {
		t.Errorf("unexpected ExecStart in:\n%s", tmpl)
	}
	if !strings.Contains(tmpl, "User=installer") {
		t.Error("custom user not applied")
	}
}
