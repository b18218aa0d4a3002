package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
)

const (
	keyFile    = "agent-key.pem"
	certFile   = "agent-cert.pem"
	bundleFile = "trust-bundle.pem"
	nodeFile   = "node.json"
)

// nodeState is what the agent remembers about itself between runs.
type nodeState struct {
	NodeID        string    `json:"node_id"`
	OrgID         string    `json:"org_id"`
	CertificateID string    `json:"certificate_id"`
	CertExpiresAt time.Time `json:"cert_expires_at"`
}

func newKeyAndCSR(name string) (*ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: name},
	}, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create signing request: %w", err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// saveEnrollment writes the key, certificate, trust bundle and node state.
// Files are written to temporary names first so an interrupted renewal
// never leaves a key that does not match the certificate.
func saveEnrollment(dir string, key *ecdsa.PrivateKey, resp dto.EnrollResponse) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}
	state, err := json.MarshalIndent(nodeState{
		NodeID:        resp.NodeID,
		OrgID:         resp.OrgID,
		CertificateID: resp.CertificateID,
		CertExpiresAt: resp.CertExpiresAt,
	}, "", "  ")
	if err != nil {
		return err
	}

	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600},
		{certFile, []byte(resp.Certificate), 0644},
		{bundleFile, []byte(resp.TrustBundle), 0644},
		{nodeFile, state, 0644},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name+".tmp"), f.data, f.mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}
	for _, f := range files {
		if err := os.Rename(filepath.Join(dir, f.name+".tmp"), filepath.Join(dir, f.name)); err != nil {
			return fmt.Errorf("failed to install %s: %w", f.name, err)
		}
	}
	return nil
}

func loadState(dir string) (nodeState, error) {
	var st nodeState
	data, err := os.ReadFile(filepath.Join(dir, nodeFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, errors.New("agent is not enrolled, run enroll first")
		}
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("failed to parse node state: %w", err)
	}
	return st, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificates: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// httpClient builds a client that trusts caFile (system roots when empty)
// and presents the agent certificate from dir when withIdentity is set.
func httpClient(dir, caFile string, withIdentity bool) (*http.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile != "" {
		pool, err := loadCertPool(caFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	if withIdentity {
		pair, err := tls.LoadX509KeyPair(filepath.Join(dir, certFile), filepath.Join(dir, keyFile))
		if err != nil {
			return nil, fmt.Errorf("failed to load agent certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{pair}
	}

	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}
