package certs

import (
	"crypto/x509"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrGenerateCreatesPair(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")

	cert, generated, err := LoadOrGenerate(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if !generated {
		t.Error("expected a freshly generated pair")
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse generated cert: %v", err)
	}
	if leaf.Subject.CommonName != "lilypad" {
		t.Errorf("CN = %q", leaf.Subject.CommonName)
	}
	wantExpiry := time.Now().Add(365 * 24 * time.Hour)
	if leaf.NotAfter.Before(wantExpiry.Add(-time.Hour)) || leaf.NotAfter.After(wantExpiry.Add(time.Hour)) {
		t.Errorf("NotAfter = %v, want ~%v", leaf.NotAfter, wantExpiry)
	}
}

func TestLoadOrGenerateReusesPair(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")

	first, _, err := LoadOrGenerate(certPath, keyPath)
	if err != nil {
		t.Fatal(err)
	}

	second, generated, err := LoadOrGenerate(certPath, keyPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if generated {
		t.Error("pair regenerated on second run")
	}
	if string(first.Certificate[0]) != string(second.Certificate[0]) {
		t.Error("reloaded certificate differs from generated one")
	}
}
