package client

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/keyspacedb/keyspace/pkg/migrate"
	"github.com/keyspacedb/keyspace/pkg/security"
)

// Client wraps the admin API for keyspacectl and other operator tooling.
type Client struct {
	addr string
	http *http.Client
}

// NewClient creates a new admin API client authenticated with the CLI's
// existing mTLS certificate.
func NewClient(addr string) (*Client, error) {
	certDir, err := security.GetCertDir("cli", "")
	if err != nil {
		return nil, fmt.Errorf("failed to get cert directory: %w", err)
	}
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("CLI certificate not found at %s; a CLI certificate must be issued into this directory first", certDir)
	}

	tlsConfig, err := mtlsConfig(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}

	return &Client{
		addr: addr,
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
	}, nil
}

// Close releases the client's idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) url(path string) string {
	return "https://" + c.addr + path
}

func (c *Client) doJSON(method, path string, body, out any) error {
	var reqBody bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = *bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.url(path), &reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("admin API returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Migrations fetches the engine's current migration state. When verbose is
// true the response includes per-emigration/immigration detail.
func (c *Client) Migrations(verbose bool) (migrate.DumpResult, error) {
	path := "/migrations"
	if verbose {
		path += "?verbose=true"
	}
	var result migrate.DumpResult
	err := c.doJSON(http.MethodGet, path, nil, &result)
	return result, err
}

// Emigrate manually triggers emigration of a partition to dest, bypassing
// the rebalancer's own reconcile loop — for operator-driven moves (e.g.
// draining a node before decommission).
func (c *Client) Emigrate(namespace string, partition uint32, dest string, clusterKey uint64) error {
	path := fmt.Sprintf("/migrations/%s/%d/%s", namespace, partition, dest)
	body := map[string]uint64{"cluster_key": clusterKey}
	return c.doJSON(http.MethodPost, path, body, nil)
}

// SetWorkers adjusts the engine's migration worker pool size.
func (c *Client) SetWorkers(count int) error {
	return c.doJSON(http.MethodPost, "/workers", map[string]int{"count": count}, nil)
}

// Healthz checks the admin API's liveness.
func (c *Client) Healthz() error {
	return c.doJSON(http.MethodGet, "/healthz", nil, nil)
}

// mtlsConfig builds the client-side TLS config from the CLI's saved
// certificate and the cluster's CA, mirroring the node-to-node mTLS policy
// pkg/security documents for the migration fabric.
func mtlsConfig(certDir string) (*tls.Config, error) {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load CLI certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}

	certPool := x509.NewCertPool()
	certPool.AddCert(caCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      certPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
