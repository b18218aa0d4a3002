package http

import "time"

type Config struct {
	Port uint      `mapstructure:"port"`
	TLS  TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ClientAuth is one of none, request, verify_if_given or require.
	ClientAuth  string `mapstructure:"client_auth"`
	DomainNames string `mapstructure:"domain_names"`
	IPAddresses string `mapstructure:"ip_addresses"`
	// ClientCertHeader names a header carrying the agent certificate
	// thumbprint, set by a TLS-terminating proxy. Leave empty when the
	// server terminates TLS itself.
	ClientCertHeader string        `mapstructure:"client_cert_header"`
	BundleRefresh    time.Duration `mapstructure:"bundle_refresh"`
}
