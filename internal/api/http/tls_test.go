package http

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/middleware"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/keystore"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/store/bolt"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientAuthType(t *testing.T) {
	tests := []struct {
		input   string
		want    tls.ClientAuthType
		wantErr bool
	}{
		{input: "", want: tls.VerifyClientCertIfGiven},
		{input: "verify_if_given", want: tls.VerifyClientCertIfGiven},
		{input: "none", want: tls.NoClientCert},
		{input: "request", want: tls.RequestClientCert},
		{input: "require", want: tls.RequireAndVerifyClientCert},
		{input: "always", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseClientAuthType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseIPs(t *testing.T) {
	ips, err := parseIPs(" 10.0.0.1, ::1 ,")
	require.NoError(t, err)
	require.Len(t, ips, 2)
	assert.Equal(t, "10.0.0.1", ips[0].String())

	_, err = parseIPs("10.0.0.300")
	assert.Error(t, err)
}

type flakySource struct {
	calls int
	fail  bool
}

func (s *flakySource) TrustBundle(context.Context) ([]*x509.Certificate, error) {
	s.calls++
	if s.fail {
		return nil, errors.New("database unavailable")
	}
	return nil, nil
}

func TestClientCAPoolKeepsPreviousOnFailure(t *testing.T) {
	ctx := context.Background()
	source := &flakySource{}
	pool := newClientCAPool(source, time.Nanosecond)

	first, err := pool.get(ctx)
	require.NoError(t, err)

	source.fail = true
	time.Sleep(time.Millisecond)
	second, err := pool.get(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 2, source.calls)

	_, err = newClientCAPool(source, time.Minute).get(ctx)
	assert.Error(t, err)
}

func TestClientCAPoolCaches(t *testing.T) {
	source := &flakySource{}
	pool := newClientCAPool(source, time.Hour)
	for range 3 {
		_, err := pool.get(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, source.calls)
}

// TestMutualTLS runs a real handshake: the agent certificate issued by the
// authority is verified by the listener and identifies the caller.
func TestMutualTLS(t *testing.T) {
	ctx := context.Background()
	gin.SetMode(gin.TestMode)

	st, err := bolt.Open(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sealer, err := keystore.NewSealer(bytes.Repeat([]byte("m"), 32))
	require.NoError(t, err)
	clk := clock.Real()
	authority := cert.NewAuthority(st, keystore.New(st, sealer, clk), clk, nil, cert.Config{})
	_, err = authority.Bootstrap(ctx)
	require.NoError(t, err)

	registry := nodes.NewRegistry(st, clk, nil, nodes.DefaultPolicy())
	node, err := registry.EnrollNode(ctx, "org-1", "edge-01", "linux/amd64", nodes.Capacity{MemoryMB: 1024})
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{}, key)
	require.NoError(t, err)
	issued, err := authority.IssueLeafCertificate(ctx, node.ID, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER}))
	require.NoError(t, err)

	serverTLS, err := NewServerTLSConfig(ctx, authority, authority, TLSConfig{})
	require.NoError(t, err)

	engine := gin.New()
	engine.GET("/whoami", middleware.AgentCertificate(""), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(middleware.ContextThumbprint))
	})
	server := httptest.NewUnstartedServer(engine)
	server.TLS = serverTLS
	server.StartTLS()
	defer server.Close()

	bundle, err := authority.TrustBundle(ctx)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	for _, r := range bundle {
		roots.AddCert(r)
	}

	block, _ := pem.Decode([]byte(issued.CertPEM))
	require.NotNil(t, block)
	clientCert := tls.Certificate{Certificate: [][]byte{block.Bytes}, PrivateKey: key}

	client := func(certs ...tls.Certificate) *http.Client {
		return &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{
			RootCAs:      roots,
			Certificates: certs,
		}}}
	}

	resp, err := client(clientCert).Get(server.URL + "/whoami")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, issued.Thumbprint, string(body))

	resp, err = client().Get(server.URL + "/whoami")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
