// Package auth provides TLS for the links between federation peers: the
// HTTP API, the gRPC event exchange and the clients that fetch from them.
package auth

import (
	"errors"
)

var (
	ErrInvalidCA          = errors.New("invalid CA certificate")
	ErrInvalidCertificate = errors.New("invalid certificate")
)

// Config enables TLS for serving and fetching. CAFile may hold a bundle of
// every member organization's CA.
type Config struct {
	Enabled           bool   `mapstructure:"enabled" json:"enabled"`
	CAFile            string `mapstructure:"ca_file" json:"ca_file"`
	CertFile          string `mapstructure:"cert_file" json:"cert_file"`
	KeyFile           string `mapstructure:"key_file" json:"key_file"`
	RequireClientCert bool   `mapstructure:"require_client_cert" json:"require_client_cert"`
	MinVersion        string `mapstructure:"min_version" json:"min_version,omitempty"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CAFile == "" {
		return errors.New("tls.ca_file is required when TLS is enabled")
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("tls.cert_file and tls.key_file are required when TLS is enabled")
	}
	switch c.MinVersion {
	case "", "1.2", "1.3":
	default:
		return errors.New("tls.min_version must be 1.2 or 1.3")
	}
	return nil
}
