package dns

import (
	"testing"

	"github.com/cuemby/hutch/pkg/provisioner"
)

// TestParseAliasName tests per-port alias parsing
func TestParseAliasName(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantHostname string
		wantPort     int
		wantErr      bool
	}{
		{
			name:         "short hostname",
			input:        "db-5432",
			wantHostname: "db",
			wantPort:     5432,
		},
		{
			name:         "session hostname",
			input:        "hutch-5e2a9c41-api-1a2b3c-3000",
			wantHostname: "hutch-5e2a9c41-api-1a2b3c",
			wantPort:     3000,
		},
		{
			name:    "no hyphen",
			input:   "db",
			wantErr: true,
		},
		{
			name:    "not a number",
			input:   "web-api",
			wantErr: true,
		},
		{
			name:    "port zero",
			input:   "db-0",
			wantErr: true,
		},
		{
			name:    "port out of range",
			input:   "db-70000",
			wantErr: true,
		},
		{
			name:    "leading hyphen",
			input:   "-80",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hostname, port, err := parseAliasName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseAliasName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if hostname != tt.wantHostname || port != tt.wantPort {
				t.Errorf("parseAliasName(%q) = (%q, %d), want (%q, %d)",
					tt.input, hostname, port, tt.wantHostname, tt.wantPort)
			}
		})
	}
}

// TestParseProvisionerAliases tests that every port alias the provisioner
// registers parses back to its hostname
func TestParseProvisionerAliases(t *testing.T) {
	hostname := provisioner.Hostname("5e2a9c41-aaaa", "api")
	for _, alias := range provisioner.Aliases(hostname, "", []int{80, 3000}) {
		got, _, err := parseAliasName(alias)
		if err != nil || got != hostname {
			t.Errorf("parseAliasName(%q) = (%q, %v), want %q", alias, got, err, hostname)
		}
	}
}
