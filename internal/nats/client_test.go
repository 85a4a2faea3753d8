package nats

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/capitalize-ai/gembot/pkg/logger"
)

// writeCertPair writes a self-signed certificate and its key as PEM files.
func writeCertPair(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "nats.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestTLSConfig(t *testing.T) {
	certFile, keyFile := writeCertPair(t)

	cases := []struct {
		name      string
		cfg       Config
		wantNil   bool
		wantErr   bool
		wantRoots bool
		wantCerts int
	}{
		{name: "plain", cfg: Config{}, wantNil: true},
		{name: "ca only", cfg: Config{CAFile: certFile}, wantRoots: true},
		{name: "mutual", cfg: Config{CAFile: certFile, CertFile: certFile, KeyFile: keyFile}, wantRoots: true, wantCerts: 1},
		{name: "client cert only", cfg: Config{CertFile: certFile, KeyFile: keyFile}, wantCerts: 1},
		{name: "cert without key", cfg: Config{CertFile: certFile}, wantErr: true},
		{name: "missing ca", cfg: Config{CAFile: filepath.Join(t.TempDir(), "none.pem")}, wantErr: true},
		{name: "ca is not pem", cfg: Config{CAFile: keyFile}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.cfg.tlsConfig()
			if tc.wantErr {
				if err == nil {
					t.Fatal("tlsConfig() error = nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("tlsConfig() error = %v", err)
			}
			if tc.wantNil {
				if got != nil {
					t.Fatalf("tlsConfig() = %+v, want nil", got)
				}
				return
			}
			if (got.RootCAs != nil) != tc.wantRoots || len(got.Certificates) != tc.wantCerts {
				t.Fatalf("tlsConfig() roots=%v certs=%d", got.RootCAs != nil, len(got.Certificates))
			}
		})
	}
}

func TestOptionsRejectBadTLS(t *testing.T) {
	log := logger.NewNop()
	if _, err := (Config{URL: "nats://localhost:4222", Token: "t", Name: "gembot"}).options(log); err != nil {
		t.Fatalf("options() error = %v", err)
	}
	if _, err := (Config{KeyFile: "key.pem"}).options(log); err == nil {
		t.Fatal("options() accepted a key without a certificate")
	}
}

func TestConnectExpiredDeadline(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	c, err := Connect(ctx, Config{URL: "nats://127.0.0.1:1"}, logger.NewNop())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect() error = %v, want deadline exceeded", err)
	}
	if c != nil {
		t.Fatal("Connect() returned a client")
	}
}
