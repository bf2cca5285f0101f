// Package tls builds the control API's server TLS configuration from explicit
// certificate files or a directory, generating a self-signed pair on demand.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File names used inside Options.Dir.
const (
	CACertFile = "tls_ca.crt"
	CertFile   = "tls.crt"
	KeyFile    = "tls.key"
)

// Options is the [server.tls] section.
type Options struct {
	Enabled      bool    `mapstructure:"enabled"`
	CertFile     string  `mapstructure:"cert_file"`
	KeyFile      string  `mapstructure:"key_file"`
	Dir          string  `mapstructure:"dir"`
	AutoGenerate bool    `mapstructure:"auto_generate"`
	MinVersion   string  `mapstructure:"min_version" validate:"omitempty,oneof=default 1.2 1.3"`
	MaxVersion   string  `mapstructure:"max_version" validate:"omitempty,oneof=default 1.2 1.3"`
	AutoGen      AutoGen `mapstructure:"auto_gen"`
}

// AutoGen tunes the generated self-signed certificate.
type AutoGen struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// CAPath returns the CA certificate clients should trust, or "" when the
// certificate comes from explicit files.
func (o Options) CAPath() string {
	if o.CertFile != "" || o.Dir == "" {
		return ""
	}
	return filepath.Join(o.Dir, CACertFile)
}

// parseVersion maps "1.2"/"1.3" to the crypto/tls constant.
func parseVersion(ver string) (uint16, bool) {
	switch strings.TrimPrefix(strings.ToLower(ver), "tls") {
	case "1.2":
		return tls.VersionTLS12, true
	case "1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// versions defaults both bounds to TLS 1.3.
func (o Options) versions() (minVer, maxVer uint16) {
	minVer, maxVer = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseVersion(o.MinVersion); ok {
		minVer = v
	}
	if v, ok := parseVersion(o.MaxVersion); ok {
		maxVer = v
	}
	if minVer > maxVer {
		maxVer = minVer
	}
	return minVer, maxVer
}

// Setup returns nil when TLS is disabled. Explicit cert/key files win over
// Dir; with AutoGenerate a missing pair in Dir is created first.
func Setup(o Options) (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	minVer, maxVer := o.versions()

	if o.CertFile != "" && o.KeyFile != "" {
		return newConfig(o.CertFile, o.KeyFile, minVer, maxVer)
	}
	if o.Dir == "" {
		return nil, errors.New("tls enabled but neither cert_file/key_file nor dir is set")
	}
	certPath := filepath.Join(o.Dir, CertFile)
	keyPath := filepath.Join(o.Dir, KeyFile)
	if !exists(certPath, keyPath) {
		if !o.AutoGenerate {
			return nil, fmt.Errorf("tls: %s or %s missing and auto_generate is off", certPath, keyPath)
		}
		if err := generate(o.AutoGen, o.Dir); err != nil {
			return nil, err
		}
	}
	return newConfig(certPath, keyPath, minVer, maxVer)
}

// newConfig loads the pair once to fail fast, then rereads it on each
// handshake so rotated files are picked up without a restart.
func newConfig(certPath, keyPath string, minVer, maxVer uint16) (*tls.Config, error) {
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	// #nosec G402 versions come from validated config
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			c, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
			return &c, err
		},
		MinVersion: minVer,
		MaxVersion: maxVer,
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(a AutoGen, dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("tls: create %s: %w", dir, err)
	}
	validDays := a.ValidDays
	if validDays <= 0 {
		validDays = 365 * 5
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   orDefault(a.CommonName, "localhost"),
		Organization: orDefault(a.Organization, "procwatch"),
		DNSNames:     orDefaultSlice(a.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefaultSlice(a.IPAddresses, []string{"127.0.0.1", "::1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(dir, CertFile),
		KeyPath:      filepath.Join(dir, KeyFile),
		CACertPath:   filepath.Join(dir, CACertFile),
	})
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultSlice(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
