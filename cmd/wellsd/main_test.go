package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/austindbirch/wells/internal/config"
	"github.com/austindbirch/wells/internal/engine"
)

func TestPolicyFromConfig(t *testing.T) {
	c := config.Engine{
		MaxAttempts:          3,
		DefaultRetryDelay:    time.Minute,
		MinRetryDelay:        30 * time.Second,
		MaxReportAge:         time.Hour,
		SweepDelay:           time.Second,
		RetryTransportErrors: true,
		ResubmitOrphans:      true,
	}
	want := engine.Policy{
		MaxAttempts:          3,
		DefaultRetryDelay:    time.Minute,
		MinRetryDelay:        30 * time.Second,
		MaxReportAge:         time.Hour,
		SweepDelay:           time.Second,
		RetryTransportErrors: true,
	}
	if got := policyFromConfig(c); got != want {
		t.Errorf("policyFromConfig = %+v, want %+v", got, want)
	}
}

func TestCollectorTemplate(t *testing.T) {
	cfg := config.Config{AppName: "wells", CollectorURL: "http://collector:8081/reports"}
	req, err := collectorTemplate(cfg)
	if err != nil {
		t.Fatalf("collectorTemplate: %v", err)
	}
	if req.Method != "POST" || req.URL != cfg.CollectorURL {
		t.Errorf("template = %+v", req)
	}
	if ua := req.Header.Get("User-Agent"); ua != "wells" {
		t.Errorf("User-Agent = %q, want wells", ua)
	}

	if _, err := collectorTemplate(config.Config{}); err == nil {
		t.Error("expected error without collector url")
	}
}

func TestNewStoreUsesExtension(t *testing.T) {
	st := newStore(afero.NewMemMapFs(), config.Store{Dir: "/spool", Extension: "dmp"})
	loc, ok := st.Locate("abc")
	if !ok || loc != "/spool/abc.dmp" {
		t.Errorf("Locate = %q, %v; want /spool/abc.dmp", loc, ok)
	}
}

func writeKey(t *testing.T, fs afero.Fs, path string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := afero.WriteFile(fs, path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
}

func TestTokenSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeKey(t, fs, "/keys/agent.pem")
	if err := afero.WriteFile(fs, "/keys/garbage.pem", []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Run("disabled without key file", func(t *testing.T) {
		ts, err := tokenSource(fs, config.Auth{})
		if err != nil || ts != nil {
			t.Errorf("tokenSource = %v, %v; want nil, nil", ts, err)
		}
	})

	t.Run("signs tokens", func(t *testing.T) {
		ts, err := tokenSource(fs, config.Auth{PrivateKeyFile: "/keys/agent.pem", Subject: "host-1", TokenTTL: time.Minute * 5})
		if err != nil {
			t.Fatalf("tokenSource: %v", err)
		}
		tok, err := ts.Token(context.Background())
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if strings.Count(tok, ".") != 2 {
			t.Errorf("token %q is not a JWT", tok)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := tokenSource(fs, config.Auth{PrivateKeyFile: "/keys/missing.pem", Subject: "h"}); err == nil {
			t.Error("expected error for missing key file")
		}
	})

	t.Run("invalid key", func(t *testing.T) {
		if _, err := tokenSource(fs, config.Auth{PrivateKeyFile: "/keys/garbage.pem", Subject: "h"}); err == nil {
			t.Error("expected error for invalid key")
		}
	})
}

func TestNewUploader(t *testing.T) {
	cfg := config.Config{Transport: config.Transport{RequestTimeout: time.Second, RetryBudget: 0}}
	if u := newUploader(afero.NewMemMapFs(), cfg, nil); u == nil {
		t.Fatal("newUploader returned nil")
	}
}
