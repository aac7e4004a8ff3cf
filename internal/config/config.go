package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr     string // e.g. nsqd:4150
	NsqdHTTPAddr    string // e.g. nsqd:4151, used for backlog stats
	LookupHTTPAddr  string // e.g. http://nsqlookupd:4161
	TransfersTopic  string // topic queued transfers are published to
	UploaderChannel string // channel the uploading side consumes
	DLQTopic        string // dead letter topic
	PublishDLQ      bool   // publish dead letters for reports that are dropped
	MonitorInterval time.Duration
}

type Store struct {
	Dir       string // payload directory
	Extension string // payload file extension
}

// Engine mirrors the delivery engine's retry policy. The tags are used when
// the policy is loaded from a file.
type Engine struct {
	MaxAttempts          int           `mapstructure:"max_attempts"`
	DefaultRetryDelay    time.Duration `mapstructure:"default_retry_delay"`
	MinRetryDelay        time.Duration `mapstructure:"min_retry_delay"`
	MaxReportAge         time.Duration `mapstructure:"max_report_age"`
	SweepDelay           time.Duration `mapstructure:"sweep_delay"`
	RetryTransportErrors bool          `mapstructure:"retry_transport_errors"`
	ResubmitOrphans      bool          `mapstructure:"resubmit_orphans"`
	PolicyFile           string        `mapstructure:"-"`
}

type Transport struct {
	Kind           string        // direct | nsq
	Registry       string        // memory | postgres, for the nsq transport
	RequestTimeout time.Duration // per upload request
	RetryBudget    time.Duration // how long connection errors are retried
}

type Auth struct {
	PrivateKeyFile string // PEM RSA key used to sign upload tokens; empty disables signing
	KeyID          string
	Issuer         string
	Audience       string
	Subject        string
	TokenTTL       time.Duration
}

type FakeCollector struct {
	FailFirstN        int           // Number of requests answered 503 initially
	RetryAfterSeconds int           // Retry-After sent with those 503s
	PublicKeyFile     string        // PEM RSA public key; empty disables token checks
	ResponseDelayMS   int           // Simulated response delay in milliseconds
	Port              string        // Server listen port
	ReadTimeout       time.Duration // HTTP read timeout
	WriteTimeout      time.Duration // HTTP write timeout
	IdleTimeout       time.Duration // HTTP idle timeout
}

type Config struct {
	AppName       string
	HTTPPort      string // :8090, daemon API and metrics
	CollectorURL  string // where reports are uploaded
	Store         Store
	Engine        Engine
	Transport     Transport
	DB            DB
	NSQ           NSQ
	Auth          Auth
	FakeCollector FakeCollector
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:      getenv("APP_NAME", "wells"),
		HTTPPort:     getenv("HTTP_PORT", ":8090"),
		CollectorURL: getenv("WELLS_COLLECTOR_URL", "http://localhost:8081/reports"),
		Store: Store{
			Dir:       getenv("WELLS_STORE_DIR", "/var/spool/wells"),
			Extension: getenv("WELLS_STORE_EXTENSION", "wellsdata"),
		},
		Engine: Engine{
			MaxAttempts:          getenvInt("WELLS_MAX_ATTEMPTS", 5),
			DefaultRetryDelay:    getenvDuration("WELLS_DEFAULT_RETRY_DELAY", 5*time.Minute),
			MinRetryDelay:        getenvDuration("WELLS_MIN_RETRY_DELAY", 60*time.Second),
			MaxReportAge:         getenvDuration("WELLS_MAX_REPORT_AGE", 48*time.Hour),
			SweepDelay:           getenvDuration("WELLS_SWEEP_DELAY", 10*time.Second),
			RetryTransportErrors: getenvBool("WELLS_RETRY_TRANSPORT_ERRORS", false),
			ResubmitOrphans:      getenvBool("WELLS_RESUBMIT_ORPHANS", false),
			PolicyFile:           getenv("WELLS_POLICY_FILE", ""),
		},
		Transport: Transport{
			Kind:           getenv("WELLS_TRANSPORT", "direct"),
			Registry:       getenv("WELLS_REGISTRY", "memory"),
			RequestTimeout: getenvDuration("WELLS_REQUEST_TIMEOUT", 30*time.Second),
			RetryBudget:    getenvDuration("WELLS_CONNECT_RETRY_BUDGET", 30*time.Second),
		},
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "wells"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:    getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			TransfersTopic:  getenv("NSQ_TRANSFERS_TOPIC", "report_transfers"),
			UploaderChannel: getenv("NSQ_UPLOADER_CHANNEL", "uploaders"),
			DLQTopic:        getenv("NSQ_DLQ_TOPIC", "reports_dlq"),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
			MonitorInterval: getenvDuration("NSQ_MONITOR_INTERVAL", 15*time.Second),
		},
		Auth: Auth{
			PrivateKeyFile: getenv("WELLS_JWT_PRIVATE_KEY_FILE", ""),
			KeyID:          getenv("WELLS_JWT_KEY_ID", "wells"),
			Issuer:         getenv("WELLS_JWT_ISSUER", "wells-agent"),
			Audience:       getenv("WELLS_JWT_AUDIENCE", "wells-collector"),
			Subject:        getenv("WELLS_JWT_SUBJECT", hostname()),
			TokenTTL:       getenvDuration("WELLS_JWT_TTL", 15*time.Minute),
		},
		FakeCollector: FakeCollector{
			FailFirstN:        getenvInt("FAIL_FIRST_N", 0),
			RetryAfterSeconds: getenvInt("RETRY_AFTER_SECONDS", 60),
			PublicKeyFile:     getenv("FAKE_COLLECTOR_PUBLIC_KEY_FILE", ""),
			ResponseDelayMS:   getenvInt("RESPONSE_DELAY_MS", 0),
			Port:              getenv("FAKE_COLLECTOR_PORT", ":8081"),
			ReadTimeout:       getenvDuration("FAKE_COLLECTOR_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:      getenvDuration("FAKE_COLLECTOR_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:       getenvDuration("FAKE_COLLECTOR_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "wells-agent"
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
