package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/austindbirch/wells/internal/auth"
	"github.com/austindbirch/wells/internal/config"
	"github.com/austindbirch/wells/internal/ledger"
	"github.com/austindbirch/wells/internal/logging"
)

// collector accepts report uploads, failing the first few to exercise retries.
type collector struct {
	failFirstN int
	retryAfter int
	delay      time.Duration
	logger     *logging.Logger

	mu       sync.Mutex
	reqCount int
	received map[string]int
}

func newCollector(c config.FakeCollector, logger *logging.Logger) *collector {
	return &collector{
		failFirstN: c.FailFirstN,
		retryAfter: c.RetryAfterSeconds,
		delay:      time.Duration(c.ResponseDelayMS) * time.Millisecond,
		logger:     logger,
		received:   make(map[string]int),
	}
}

func main() {
	all := config.FromEnv()
	cfg := all.FakeCollector
	logger := logging.New("fake-collector")

	c := newCollector(cfg, logger)

	var reports http.Handler = http.HandlerFunc(c.handleReport)
	if cfg.PublicKeyFile != "" {
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			logger.Plain().WithError(err).Fatalf("read public key %s failed", cfg.PublicKeyFile)
		}
		v, err := auth.NewValidator(string(pem), all.Auth.Issuer, all.Auth.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("token validator setup failed")
		}
		reports = v.HTTPMiddleware(reports)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.Handle("POST /reports", reports)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.Port,
		"fail_first_n": cfg.FailFirstN,
		"auth":         cfg.PublicKeyFile != "",
	}).Info("fake-collector listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatalf("fake-collector server on %s failed", cfg.Port)
	}
}

func (c *collector) handleReport(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	st := ledger.Decode(r.Header)

	c.mu.Lock()
	c.reqCount++
	n := c.reqCount
	c.mu.Unlock()

	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	entry := c.logger.WithContext(r.Context()).WithReport(st.Identifier).WithAttempt(st.Attempt).WithFields(map[string]any{
		"bytes":        len(b),
		"content_type": r.Header.Get("Content-Type"),
	})
	if sub, ok := auth.SubjectFromContext(r.Context()); ok {
		entry = entry.WithField("subject", sub)
	}

	// Simulate an overloaded collector: first N requests -> 503
	if n <= c.failFirstN {
		entry.Warnf("FAILING (%d/%d)", n, c.failFirstN)
		if c.retryAfter > 0 {
			w.Header().Set(ledger.RetryAfterHeader, strconv.Itoa(c.retryAfter))
		}
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	c.mu.Lock()
	c.received[st.Identifier]++
	dup := c.received[st.Identifier] > 1
	c.mu.Unlock()

	entry.WithField("duplicate", dup).Infof("report received: %s", truncate(string(b), 80))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// deliveries returns how many times identifier was accepted.
func (c *collector) deliveries(identifier string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received[identifier]
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
