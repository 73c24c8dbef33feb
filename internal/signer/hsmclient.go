package signer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/nooterra/settld/internal/kernelerr"
)

// HSMConfig captures the parameters required to establish an mTLS session
// with a remote signer service. Adapted directly from
// services/otc-gateway/hsm/client.go's Config, swapped from a key-label
// lookup to a keyId, since settld signers are addressed by the
// "key_" + sha256 prefix derivation instead of an HSM key label.
type HSMConfig struct {
	BaseURL    string
	KeyID      string
	CACertPath string
	ClientCert string
	ClientKey  string
	Timeout    time.Duration
	SignPath   string
}

// HSMClient is an mTLS-authenticated HTTP client implementing Signer
// against a remote signing service.
type HSMClient struct {
	keyID      string
	httpClient *http.Client
	baseURL    string
	signPath   string
}

// NewHSMClient builds an HSMClient from cfg.
func NewHSMClient(cfg HSMConfig) (*HSMClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("signer: base url required")
	}
	if strings.TrimSpace(cfg.KeyID) == "" {
		return nil, fmt.Errorf("signer: key id required")
	}
	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	signPath := strings.TrimSpace(cfg.SignPath)
	if signPath == "" {
		signPath = "/sign"
	}
	return &HSMClient{
		keyID:      strings.TrimSpace(cfg.KeyID),
		httpClient: &http.Client{Timeout: timeout, Transport: &http.Transport{TLSClientConfig: tlsConfig}},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		signPath:   signPath,
	}, nil
}

func buildTLSConfig(cfg HSMConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("signer: load client certificate: %w", err)
	}
	pool, err := loadCACert(cfg.CACertPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}, RootCAs: pool}, nil
}

func loadCACert(certPath string) (*x509.CertPool, error) {
	if strings.TrimSpace(certPath) == "" {
		return nil, fmt.Errorf("signer: ca certificate required")
	}
	pemBytes, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("signer: read ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("signer: failed to append ca certificate %s", certPath)
	}
	return pool, nil
}

type hsmSignRequest struct {
	KeyID   string `json:"keyId"`
	HashHex string `json:"hashHex"`
}

type hsmSignResponse struct {
	SignatureB64 string `json:"signatureB64"`
	KeyID        string `json:"keyId"`
}

// SignHashHex requests the remote signer to sign hashHex.
func (c *HSMClient) SignHashHex(ctx context.Context, hashHex string) (string, string, error) {
	payload := hsmSignRequest{KeyID: c.keyID, HashHex: hashHex}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}
	url := c.baseURL + path.Clean("/"+c.signPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return "", "", kernelerr.New(kernelerr.CodeSignerAuthMissing, "remote signer rejected the mTLS client identity")
	}
	if resp.StatusCode >= 300 {
		return "", "", kernelerr.Newf(kernelerr.CodeSignerBadResponse, "signer: sign failed: status=%d", resp.StatusCode)
	}
	var decoded hsmSignResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", "", kernelerr.Newf(kernelerr.CodeSignerBadResponse, "signer: decode response: %v", err)
	}
	if strings.TrimSpace(decoded.SignatureB64) == "" {
		return "", "", kernelerr.New(kernelerr.CodeSignerBadResponse, "signer: empty signature")
	}
	if _, err := base64.StdEncoding.DecodeString(decoded.SignatureB64); err != nil {
		return "", "", kernelerr.New(kernelerr.CodeSignerBadResponse, "signer: signature is not valid base64")
	}
	if decoded.KeyID != "" && decoded.KeyID != c.keyID {
		return "", "", kernelerr.Newf(kernelerr.CodeRemoteSignerKeyMismatch, "signer responded with keyId %q, expected %q", decoded.KeyID, c.keyID)
	}
	return decoded.SignatureB64, c.keyID, nil
}

// KeyID returns the remote signer's configured keyId.
func (c *HSMClient) KeyID(_ context.Context) (string, error) {
	return c.keyID, nil
}

var _ Signer = (*HSMClient)(nil)
