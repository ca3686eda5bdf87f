package tls

import (
	"crypto/tls"
	"time"
)

// DefaultValidFor is the lifetime of generated certificates.
const DefaultValidFor = 365 * 24 * time.Hour

// Config selects the certificate the protocol listener presents. Either
// CertFile and KeyFile are both set, or SelfSigned is true.
type Config struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SelfSigned bool   `yaml:"self_signed"`
	// Hosts are the DNS names and IPs put in a self-signed certificate.
	Hosts []string `yaml:"hosts"`
}

// Enabled reports whether the listener should speak TLS.
func (c Config) Enabled() bool {
	return c.SelfSigned || c.CertFile != "" || c.KeyFile != ""
}

// CertificateInfo holds certificate metadata
type CertificateInfo struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	DNSNames     []string
	IPAddresses  []string
}

// IsExpired checks if the certificate has expired
func (ci *CertificateInfo) IsExpired() bool {
	return time.Now().After(ci.NotAfter)
}

// ExpiresIn returns the time until certificate expiration
func (ci *CertificateInfo) ExpiresIn() time.Duration {
	return time.Until(ci.NotAfter)
}

// SecureCipherSuites returns the TLS 1.2 suites offered. TLS 1.3 suites
// are not configurable in crypto/tls.
func SecureCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	}
}
