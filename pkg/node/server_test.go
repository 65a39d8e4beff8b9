package node

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedtrust/pkg/auth"
	"fedtrust/pkg/types"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// serve runs n.Serve until the test ends and fails if it does not stop.
func serve(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("Serve did not stop after cancel")
		}
	})
}

func waitForStatus(t *testing.T, client *http.Client, url string) int {
	t.Helper()
	var status int
	require.Eventually(t, func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		status = resp.StatusCode
		return true
	}, 5*time.Second, 20*time.Millisecond)
	return status
}

func TestServe(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTPAddress = freeAddr(t)
	cfg.Server.GRPCAddress = "127.0.0.1:0"
	n := newTestNode(t, cfg, Options{})
	serve(t, n)

	status := waitForStatus(t, http.DefaultClient, "http://"+cfg.Server.HTTPAddress+TrustPath)
	assert.Equal(t, http.StatusOK, status)
}

func TestServeMutualTLS(t *testing.T) {
	dir := t.TempDir()
	ca, err := auth.NewAuthority("Acme", time.Hour)
	require.NoError(t, err)
	caCert, caKey := filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")
	require.NoError(t, ca.Save(caCert, caKey))

	cert, key, err := ca.Issue("node-a", []string{"127.0.0.1"}, time.Hour)
	require.NoError(t, err)
	certPath, keyPath := filepath.Join(dir, "node-a.crt"), filepath.Join(dir, "node-a.key")
	require.NoError(t, auth.WriteKeyPair(certPath, keyPath, cert, key))

	cfg := testConfig(t)
	cfg.Server.HTTPAddress = freeAddr(t)
	cfg.Server.TLS = auth.Config{
		Enabled:           true,
		CAFile:            caCert,
		CertFile:          certPath,
		KeyFile:           keyPath,
		RequireClientCert: true,
		MinVersion:        "1.2",
	}
	n := newTestNode(t, cfg, Options{})
	serve(t, n)

	clientTLS, err := auth.ClientTLS(&cfg.Server.TLS)
	require.NoError(t, err)
	url := "https://" + cfg.Server.HTTPAddress + TrustPath

	status := waitForStatus(t, &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}}, url)
	assert.Equal(t, http.StatusOK, status)

	anonymous := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: clientTLS.RootCAs}}}
	_, err = anonymous.Get(url)
	assert.Error(t, err)
}

// issueCert writes a certificate for commonName signed by ca into dir.
func issueCert(t *testing.T, ca *auth.Authority, dir, commonName string, hosts ...string) (string, string) {
	t.Helper()
	cert, key, err := ca.Issue(commonName, hosts, time.Hour)
	require.NoError(t, err)
	certPath, keyPath := filepath.Join(dir, commonName+".crt"), filepath.Join(dir, commonName+".key")
	require.NoError(t, auth.WriteKeyPair(certPath, keyPath, cert, key))
	return certPath, keyPath
}

func TestSignaturePenaltyRequiresAuthenticatedSigner(t *testing.T) {
	dir := t.TempDir()
	ca, err := auth.NewAuthority("Acme", time.Hour)
	require.NoError(t, err)
	caCert, caKey := filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")
	require.NoError(t, ca.Save(caCert, caKey))

	serverCert, serverKey := issueCert(t, ca, dir, "server", "127.0.0.1")
	cfg := testConfig(t)
	cfg.Server.TLS = auth.Config{
		Enabled:           true,
		CAFile:            caCert,
		CertFile:          serverCert,
		KeyFile:           serverKey,
		RequireClientCert: true,
	}
	n := newTestNode(t, cfg, Options{})

	victimKey, victim := peerKey(t)
	_, err = n.AddPeer("victim", "", "", victimKey)
	require.NoError(t, err)
	bystanderKey, bystander := peerKey(t)
	_, err = n.AddPeer("bystander", "", "", bystanderKey)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(n.Handler())
	srv.TLS = n.serverTLS
	srv.StartTLS()
	defer srv.Close()

	anchor, err := n.NewLocalAnchor(completeDigest(5))
	require.NoError(t, err)
	_, err = n.ProposeAnchor(anchor)
	require.NoError(t, err)

	forged, err := json.Marshal(&types.CrossSignature{
		AnchorHash:         anchor.AnchorHash,
		SignerNodeID:       victim,
		VerificationResult: types.VerificationPass,
		Signature:          []byte("forged"),
		VerifiedAt:         time.Now().UTC(),
	})
	require.NoError(t, err)

	postAs := func(sender types.NodeID) int {
		certPath, keyPath := issueCert(t, ca, dir, string(sender))
		clientTLS, err := auth.ClientTLS(&auth.Config{Enabled: true, CAFile: caCert, CertFile: certPath, KeyFile: keyPath})
		require.NoError(t, err)
		client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}}

		resp, err := client.Post(srv.URL+AnchorsPath+"/"+string(anchor.AnchorHash)+"/signatures", "application/json", strings.NewReader(string(forged)))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	// Another authenticated peer cannot get the victim penalized.
	assert.Equal(t, http.StatusBadRequest, postAs(bystander))
	score, _ := n.trust.TrustScore(victim)
	assert.Equal(t, types.InitialTrustScore, score)
	assert.Zero(t, n.trust.ByzantineCount())

	// A bad signature in the sender's own name is Byzantine.
	assert.Equal(t, http.StatusBadRequest, postAs(victim))
	score, _ = n.trust.TrustScore(victim)
	assert.Equal(t, types.InitialTrustScore/2, score)
	assert.Equal(t, uint64(1), n.trust.ByzantineCount())
}
