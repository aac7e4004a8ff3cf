package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/afero"

	"github.com/austindbirch/wells/internal/auth"
	"github.com/austindbirch/wells/internal/config"
	"github.com/austindbirch/wells/internal/delivery"
	"github.com/austindbirch/wells/internal/engine"
	"github.com/austindbirch/wells/internal/store"
	"github.com/austindbirch/wells/internal/upload"
)

func policyFromConfig(c config.Engine) engine.Policy {
	return engine.Policy{
		MaxAttempts:          c.MaxAttempts,
		DefaultRetryDelay:    c.DefaultRetryDelay,
		MinRetryDelay:        c.MinRetryDelay,
		MaxReportAge:         c.MaxReportAge,
		SweepDelay:           c.SweepDelay,
		RetryTransportErrors: c.RetryTransportErrors,
	}
}

func collectorTemplate(cfg config.Config) (delivery.Request, error) {
	if cfg.CollectorURL == "" {
		return delivery.Request{}, fmt.Errorf("collector url is not set")
	}
	req := delivery.NewRequest(http.MethodPost, cfg.CollectorURL)
	req.Header.Set("User-Agent", cfg.AppName)
	return req, nil
}

func newStore(fs afero.Fs, c config.Store) *store.Store {
	return store.New(c.Dir,
		store.WithFs(fs),
		store.WithLocationProvider(store.IdentifierExtension{Dir: c.Dir, Extension: c.Extension}),
	)
}

// tokenSource returns nil when no signing key is configured.
func tokenSource(fs afero.Fs, c config.Auth) (upload.TokenSource, error) {
	if c.PrivateKeyFile == "" {
		return nil, nil
	}
	pem, err := afero.ReadFile(fs, c.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	signer, err := auth.NewSigner(auth.SignerConfig{
		PrivateKeyPEM: string(pem),
		KeyID:         c.KeyID,
		Issuer:        c.Issuer,
		Audience:      c.Audience,
		Subject:       c.Subject,
		TTL:           c.TokenTTL,
	})
	if err != nil {
		return nil, err
	}
	return signer, nil
}

func newUploader(fs afero.Fs, cfg config.Config, ts upload.TokenSource) *upload.Uploader {
	opts := []upload.Option{
		upload.WithFs(fs),
		upload.WithHTTPClient(&http.Client{Timeout: cfg.Transport.RequestTimeout}),
		upload.WithRetryBudget(cfg.Transport.RetryBudget),
	}
	if ts != nil {
		opts = append(opts, upload.WithTokenSource(ts))
	}
	return upload.New(opts...)
}
