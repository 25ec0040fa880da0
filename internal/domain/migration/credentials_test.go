package migration

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ehr/migration/internal/domain/ingest"
)

func testResolver(root string) *RefResolver {
	r := NewRefResolver(root, map[ingest.Vendor]string{ingest.VendorA: "https://api.vendor-a.test"})
	r.Getenv = func(name string) string {
		if name == "VENDOR_A_TOKEN" {
			return "secret"
		}
		return ""
	}
	return r
}

func TestRefResolver_Resolve(t *testing.T) {
	root := t.TempDir()
	r := testResolver(root)

	creds, err := r.Resolve(context.Background(), &Run{SourceVendor: ingest.VendorA, CredentialsRef: "env:VENDOR_A_TOKEN"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.APIToken != "secret" || creds.BaseURL != "https://api.vendor-a.test" {
		t.Errorf("unexpected credentials: %+v", creds)
	}

	creds, err = r.Resolve(context.Background(), &Run{SourceVendor: ingest.VendorA, CredentialsRef: "env:VENDOR_A_TOKEN; url:http://localhost:9000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.BaseURL != "http://localhost:9000" {
		t.Errorf("expected base URL override, got %q", creds.BaseURL)
	}

	creds, err = r.Resolve(context.Background(), &Run{SourceVendor: ingest.VendorCSV, CredentialsRef: "dir:clinic-1/export"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(root, "clinic-1", "export"); creds.Directory != want {
		t.Errorf("expected %s, got %s", want, creds.Directory)
	}
}

func TestRefResolver_Rejects(t *testing.T) {
	r := testResolver(t.TempDir())
	tests := []struct {
		name   string
		vendor ingest.Vendor
		ref    string
	}{
		{"unset env var", ingest.VendorA, "env:MISSING"},
		{"unknown scheme", ingest.VendorA, "vault:secret/a"},
		{"missing value", ingest.VendorA, "env:"},
		{"no scheme", ingest.VendorA, "token"},
		{"escaping directory", ingest.VendorCSV, "dir:../../etc"},
		{"absolute directory", ingest.VendorCSV, "dir:/etc"},
		{"csv without directory", ingest.VendorCSV, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), &Run{SourceVendor: tt.vendor, CredentialsRef: tt.ref})
			if !errors.Is(err, ErrInvalidCredentialsRef) {
				t.Errorf("expected ErrInvalidCredentialsRef, got %v", err)
			}
		})
	}
}

func TestRefResolver_NoUploadRoot(t *testing.T) {
	r := testResolver("")
	_, err := r.Resolve(context.Background(), &Run{SourceVendor: ingest.VendorCSV, CredentialsRef: "dir:export"})
	if !errors.Is(err, ErrInvalidCredentialsRef) {
		t.Errorf("expected ErrInvalidCredentialsRef, got %v", err)
	}
}
