package http

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

const defaultBundleRefresh = time.Minute

type TrustSource interface {
	TrustBundle(ctx context.Context) ([]*x509.Certificate, error)
}

type ServerCertificateIssuer interface {
	IssueServerCertificate(ctx context.Context, domainNames []string, ipAddresses []net.IP) (tls.Certificate, error)
}

// ParseClientAuthType maps the configured client auth mode. Agents enroll
// before they hold a certificate, so the default is verify_if_given.
func ParseClientAuthType(authType string) (tls.ClientAuthType, error) {
	switch authType {
	case "none":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "", "verify_if_given":
		return tls.VerifyClientCertIfGiven, nil
	case "require":
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("invalid client auth type: %s (valid: none, request, verify_if_given, require)", authType)
	}
}

// NewServerTLSConfig builds the listener configuration. The serving
// certificate is signed by the fleet root; client certificates are
// verified against the current trust bundle, reloaded every refresh so a
// root rotation reaches the listener without a restart.
func NewServerTLSConfig(ctx context.Context, issuer ServerCertificateIssuer, trust TrustSource, cfg TLSConfig) (*tls.Config, error) {
	clientAuth, err := ParseClientAuthType(cfg.ClientAuth)
	if err != nil {
		return nil, err
	}

	ips, err := parseIPs(cfg.IPAddresses)
	if err != nil {
		return nil, err
	}

	serverCert, err := issuer.IssueServerCertificate(ctx, splitList(cfg.DomainNames), ips)
	if err != nil {
		return nil, fmt.Errorf("failed to issue server certificate: %w", err)
	}

	base := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS12,
	}
	if clientAuth == tls.NoClientCert || clientAuth == tls.RequestClientCert {
		return base, nil
	}

	pool := newClientCAPool(trust, cfg.BundleRefresh)
	if _, err := pool.get(ctx); err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			cas, err := pool.get(hello.Context())
			if err != nil {
				return nil, err
			}
			c := base.Clone()
			c.ClientCAs = cas
			return c, nil
		},
	}, nil
}

// clientCAPool caches the trust bundle as an x509.CertPool. When a reload
// fails the previous pool keeps serving.
type clientCAPool struct {
	source  TrustSource
	refresh time.Duration

	mu       sync.Mutex
	pool     *x509.CertPool
	loadedAt time.Time
}

func newClientCAPool(source TrustSource, refresh time.Duration) *clientCAPool {
	if refresh <= 0 {
		refresh = defaultBundleRefresh
	}
	return &clientCAPool{source: source, refresh: refresh}
}

func (p *clientCAPool) get(ctx context.Context) (*x509.CertPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool != nil && time.Since(p.loadedAt) < p.refresh {
		return p.pool, nil
	}

	roots, err := p.source.TrustBundle(ctx)
	if err != nil {
		if p.pool != nil {
			slog.Warn("Failed to refresh trust bundle, keeping previous", "error", err)
			return p.pool, nil
		}
		return nil, fmt.Errorf("failed to load trust bundle: %w", err)
	}

	pool := x509.NewCertPool()
	for _, r := range roots {
		pool.AddCert(r)
	}
	p.pool = pool
	p.loadedAt = time.Now()
	slog.Debug("Loaded client trust bundle", "roots", len(roots))
	return pool, nil
}

func splitList(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseIPs(input string) ([]net.IP, error) {
	var ips []net.IP
	for _, s := range splitList(input) {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address: %s", s)
		}
		ips = append(ips, ip)
	}
	return ips, nil
}
