// Package config reads the process-wide, immutable configuration from the
// ambient environment once at startup, the way the bootstrap/CLI wiring of
// the hypervisor is specified to (no flags, no re-reads).
package config

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Config is the complete, immutable configuration for one hypervisor
// process. It is constructed once in cmd/ and passed explicitly into every
// component constructor.
type Config struct {
	// APIEndpoint is the inventory API base URL.
	APIEndpoint string
	// DockerPool is the comma-joined "[user@]ip" list of container hosts.
	DockerPool []string
	// RefreshRate is the number of seconds to sleep between reconcile passes.
	RefreshRate int
	// HTTPLevelPort is the port the ingress proxy publishes on every host.
	HTTPLevelPort int
	// SentryURL is the error-sink DSN; empty disables reporting.
	SentryURL string
	// AuthProxyHost is the authenticator hostname, resolved to an IPv4 at
	// startup and allow-listed by the ingress proxy.
	AuthProxyHost string
	// AuthProxyIP is AuthProxyHost resolved once at load time.
	AuthProxyIP string
	// SSHPrivateKeyPath is the private key used to authenticate to every
	// host in DockerPool. Not named in the outer spec's environment table
	// (§6 only lists the inventory/pool/ingress/sink settings) but required
	// for ShellTransport to dial anything; defaults to the operator's
	// default key.
	SSHPrivateKeyPath string

	LogLevel string
	LogJSON  bool
	LogColor bool
}

// Load reads and validates the configuration from the environment. It
// resolves AUTH_PROXY to an IPv4 address as part of loading, per §6.
func Load() (*Config, error) {
	cfg := &Config{
		APIEndpoint:   os.Getenv("API_ENDPOINT"),
		SentryURL:     os.Getenv("SENTRY_URL"),
		AuthProxyHost: os.Getenv("AUTH_PROXY"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogJSON:       os.Getenv("LOG_JSON") == "true",
		LogColor:      os.Getenv("LOG_COLOR") == "true",
	}
	cfg.SSHPrivateKeyPath = envOr("SSH_PRIVATE_KEY_PATH", defaultSSHKeyPath())

	if cfg.APIEndpoint == "" {
		return nil, errors.New("API_ENDPOINT is required")
	}
	if cfg.AuthProxyHost == "" {
		return nil, errors.New("AUTH_PROXY is required")
	}

	pool := os.Getenv("DOCKER_POOL")
	if pool == "" {
		return nil, errors.New("DOCKER_POOL is required")
	}
	for _, h := range strings.Split(pool, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			cfg.DockerPool = append(cfg.DockerPool, h)
		}
	}
	if len(cfg.DockerPool) == 0 {
		return nil, errors.New("DOCKER_POOL must contain at least one host")
	}

	refreshRate, err := strconv.Atoi(os.Getenv("REFRESH_RATE"))
	if err != nil {
		return nil, errors.Wrap(err, "REFRESH_RATE must be an integer number of seconds")
	}
	cfg.RefreshRate = refreshRate

	httpLevelPort, err := strconv.Atoi(os.Getenv("HTTP_LEVEL_PORT"))
	if err != nil {
		return nil, errors.Wrap(err, "HTTP_LEVEL_PORT must be an integer")
	}
	cfg.HTTPLevelPort = httpLevelPort

	ips, err := net.LookupIP(cfg.AuthProxyHost)
	if err != nil {
		return nil, errors.Wrapf(err, "failed resolving AUTH_PROXY %q", cfg.AuthProxyHost)
	}
	resolved := ""
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			resolved = v4.String()
			break
		}
	}
	if resolved == "" {
		return nil, errors.Errorf("AUTH_PROXY %q did not resolve to an IPv4 address", cfg.AuthProxyHost)
	}
	cfg.AuthProxyIP = resolved

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultSSHKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.ssh/id_rsa"
}
