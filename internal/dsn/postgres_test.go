// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package dsn

import (
	"net/url"
	"testing"
)

func TestPostgreSQLResolver_Validate(t *testing.T) {
	resolver := NewPostgreSQLResolver()

	tests := []struct {
		name        string
		info        DSNInfo
		expectError bool
	}{
		{
			name: "complete",
			info: DSNInfo{Host: "localhost", Port: "5432", User: "reader", Database: "omop"},
		},
		{
			name: "sslmode require",
			info: DSNInfo{Host: "localhost", User: "reader", Database: "omop", Params: map[string]string{"sslmode": "require"}},
		},
		{
			name:        "missing host",
			info:        DSNInfo{User: "reader", Database: "omop"},
			expectError: true,
		},
		{
			name:        "missing user",
			info:        DSNInfo{Host: "localhost", Database: "omop"},
			expectError: true,
		},
		{
			name:        "non numeric port",
			info:        DSNInfo{Host: "localhost", Port: "54a2", User: "reader", Database: "omop"},
			expectError: true,
		},
		{
			name:        "host with path",
			info:        DSNInfo{Host: "localhost/other", User: "reader", Database: "omop"},
			expectError: true,
		},
		{
			name:        "bogus sslmode",
			info:        DSNInfo{Host: "localhost", User: "reader", Database: "omop", Params: map[string]string{"sslmode": "sometimes"}},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := resolver.Validate(&tt.info)
			if tt.expectError && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestPostgreSQLResolver_Normalize(t *testing.T) {
	resolver := NewPostgreSQLResolver()

	tests := []struct {
		name     string
		info     DSNInfo
		wantPass string
	}{
		{
			name:     "special characters in password",
			info:     DSNInfo{Host: "localhost", User: "postgres", Password: "r^NAbbi^Ym=mTi-tdcNuBjuc^7ENYJ", Database: "omop"},
			wantPass: "r^NAbbi^Ym=mTi-tdcNuBjuc^7ENYJ",
		},
		{
			name:     "password with @ and :",
			info:     DSNInfo{Host: "localhost", User: "admin", Password: "p@ss:w rd", Database: "omop"},
			wantPass: "p@ss:w rd",
		},
		{
			name: "no password",
			info: DSNInfo{Host: "localhost", User: "admin", Database: "omop"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalized, err := resolver.Normalize(&tt.info)
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}

			// Round trip through net/url the same way pgx parses it
			u, err := url.Parse(normalized)
			if err != nil {
				t.Fatalf("normalized DSN failed to parse: %v", err)
			}
			if u.Scheme != "postgresql" {
				t.Errorf("scheme = %q, want postgresql", u.Scheme)
			}
			if u.User.Username() != tt.info.User {
				t.Errorf("user = %q, want %q", u.User.Username(), tt.info.User)
			}
			pass, _ := u.User.Password()
			if pass != tt.wantPass {
				t.Errorf("password = %q, want %q", pass, tt.wantPass)
			}
			if u.Port() != "5432" {
				t.Errorf("port = %q, want 5432", u.Port())
			}
		})
	}
}

func TestPostgreSQLResolver_NormalizeParamsSorted(t *testing.T) {
	resolver := NewPostgreSQLResolver()
	info := &DSNInfo{
		Host:     "ehr.local",
		Port:     "6543",
		User:     "reader",
		Database: "omop",
		Params:   map[string]string{"sslmode": "require", "application_name": "medcp", "empty": ""},
	}

	got, err := resolver.Normalize(info)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	want := "postgresql://reader@ehr.local:6543/omop?application_name=medcp&sslmode=require"
	if got != want {
		t.Errorf("Normalize() = %q, want %q", got, want)
	}
}
