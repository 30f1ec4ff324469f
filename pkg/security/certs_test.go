package security

import (
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadCertToFile(t *testing.T) {
	// Set cluster encryption key
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set cluster encryption key: %v", err)
	}

	tmpCertDir, err := os.MkdirTemp("", "keyspace-cert-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp cert dir: %v", err)
	}
	defer os.RemoveAll(tmpCertDir)

	// Create CA and issue certificate
	ca := NewCertAuthority(newTestStore())
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	cert, err := ca.IssueNodeCertificate("test-node", "worker", 0, []string{}, []net.IP{})
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	// Save certificate to file
	if err := SaveCertToFile(cert, tmpCertDir); err != nil {
		t.Fatalf("Failed to save certificate: %v", err)
	}

	// Verify files exist
	certPath := filepath.Join(tmpCertDir, "node.crt")
	keyPath := filepath.Join(tmpCertDir, "node.key")

	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		t.Error("Certificate file should exist")
	}
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		t.Error("Key file should exist")
	}

	// Load certificate from file
	loadedCert, err := LoadCertFromFile(tmpCertDir)
	if err != nil {
		t.Fatalf("Failed to load certificate: %v", err)
	}

	// Verify loaded certificate matches original
	if loadedCert.Leaf.Subject.CommonName != cert.Leaf.Subject.CommonName {
		t.Errorf("Loaded cert CN mismatch: expected %s, got %s",
			cert.Leaf.Subject.CommonName, loadedCert.Leaf.Subject.CommonName)
	}
}

func TestSaveLoadCACertToFile(t *testing.T) {
	// Set cluster encryption key
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set cluster encryption key: %v", err)
	}

	tmpCertDir, err := os.MkdirTemp("", "keyspace-cert-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp cert dir: %v", err)
	}
	defer os.RemoveAll(tmpCertDir)

	// Create CA
	ca := NewCertAuthority(newTestStore())
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	// Get CA cert
	caCertDER := ca.GetRootCACert()

	// Save CA cert to file
	if err := SaveCACertToFile(caCertDER, tmpCertDir); err != nil {
		t.Fatalf("Failed to save CA certificate: %v", err)
	}

	// Verify file exists
	caPath := filepath.Join(tmpCertDir, "ca.crt")
	if _, err := os.Stat(caPath); os.IsNotExist(err) {
		t.Error("CA certificate file should exist")
	}

	// Load CA cert from file
	loadedCACert, err := LoadCACertFromFile(tmpCertDir)
	if err != nil {
		t.Fatalf("Failed to load CA certificate: %v", err)
	}

	// Verify loaded CA cert matches original
	if !loadedCACert.Equal(ca.rootCert) {
		t.Error("Loaded CA cert should match original")
	}
}

func TestCertExists(t *testing.T) {
	// Create temporary directory
	tmpDir, err := os.MkdirTemp("", "keyspace-cert-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	// Initially should not exist
	if CertExists(tmpDir) {
		t.Error("Certificate should not exist initially")
	}

	// Create files
	certPath := filepath.Join(tmpDir, "node.crt")
	keyPath := filepath.Join(tmpDir, "node.key")
	caPath := filepath.Join(tmpDir, "ca.crt")

	_ = os.WriteFile(certPath, []byte("cert"), 0600)
	_ = os.WriteFile(keyPath, []byte("key"), 0600)
	_ = os.WriteFile(caPath, []byte("ca"), 0600)

	// Now should exist
	if !CertExists(tmpDir) {
		t.Error("Certificate should exist after creating files")
	}

	// Remove one file
	os.Remove(keyPath)

	// Should not exist (incomplete)
	if CertExists(tmpDir) {
		t.Error("Certificate should not exist with missing key file")
	}
}

func TestCertNeedsRotation(t *testing.T) {
	tests := []struct {
		name       string
		notAfter   time.Time
		needsRot   bool
	}{
		{
			name:     "Cert expiring in 1 day - needs rotation",
			notAfter: time.Now().Add(24 * time.Hour),
			needsRot: true,
		},
		{
			name:     "Cert expiring in 29 days - needs rotation",
			notAfter: time.Now().Add(29 * 24 * time.Hour),
			needsRot: true,
		},
		{
			name:     "Cert expiring in 31 days - no rotation needed",
			notAfter: time.Now().Add(31 * 24 * time.Hour),
			needsRot: false,
		},
		{
			name:     "Cert expiring in 60 days - no rotation needed",
			notAfter: time.Now().Add(60 * 24 * time.Hour),
			needsRot: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := &x509.Certificate{
				NotAfter: tt.notAfter,
			}

			needsRot := CertNeedsRotation(cert)
			if needsRot != tt.needsRot {
				t.Errorf("Expected needsRotation=%v, got %v", tt.needsRot, needsRot)
			}
		})
	}

	// Test nil certificate
	if !CertNeedsRotation(nil) {
		t.Error("Nil certificate should need rotation")
	}
}

func TestGetCertExpiry(t *testing.T) {
	expectedExpiry := time.Now().Add(90 * 24 * time.Hour)
	cert := &x509.Certificate{
		NotAfter: expectedExpiry,
	}

	expiry := GetCertExpiry(cert)
	if !expiry.Equal(expectedExpiry) {
		t.Errorf("Expected expiry %v, got %v", expectedExpiry, expiry)
	}

	// Test nil certificate
	nilExpiry := GetCertExpiry(nil)
	if !nilExpiry.IsZero() {
		t.Error("Nil certificate should return zero time")
	}
}

func TestGetCertTimeRemaining(t *testing.T) {
	expectedRemaining := 45 * 24 * time.Hour
	cert := &x509.Certificate{
		NotAfter: time.Now().Add(expectedRemaining),
	}

	remaining := GetCertTimeRemaining(cert)

	// Allow 1 second tolerance for test execution time
	diff := remaining - expectedRemaining
	if diff < -time.Second || diff > time.Second {
		t.Errorf("Expected remaining ~%v, got %v (diff: %v)", expectedRemaining, remaining, diff)
	}

	// Test nil certificate
	nilRemaining := GetCertTimeRemaining(nil)
	if nilRemaining != 0 {
		t.Error("Nil certificate should return zero duration")
	}
}

func TestCertClusterKeyRoundTrip(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set cluster encryption key: %v", err)
	}

	ca := NewCertAuthority(newTestStore())
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	cert, err := ca.IssueNodeCertificate("test-node", "voter", 42, []string{}, []net.IP{})
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	got, ok := CertClusterKey(cert.Leaf)
	if !ok {
		t.Fatal("expected embedded cluster key")
	}
	if got != 42 {
		t.Errorf("expected cluster key 42, got %d", got)
	}

	if _, ok := CertClusterKey(nil); ok {
		t.Error("nil certificate should report no cluster key")
	}
}

func TestCertStale(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set cluster encryption key: %v", err)
	}

	ca := NewCertAuthority(newTestStore())
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	cert, err := ca.IssueNodeCertificate("test-node", "voter", 5, []string{}, []net.IP{})
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	if CertStale(cert.Leaf, 5) {
		t.Error("cert issued at the current cluster key should not be stale")
	}
	if !CertStale(cert.Leaf, 6) {
		t.Error("cert issued at an older cluster key should be stale")
	}
	if CertStale(cert.Leaf, 4) {
		t.Error("cert issued ahead of the given cluster key should not be stale")
	}
}

func TestGetCertDir(t *testing.T) {
	tests := []struct {
		nodeType string
		nodeID   string
	}{
		{"manager", "node1"},
		{"worker", "node2"},
	}

	for _, tt := range tests {
		t.Run(tt.nodeType+"-"+tt.nodeID, func(t *testing.T) {
			certDir, err := GetCertDir(tt.nodeType, tt.nodeID)
			if err != nil {
				t.Fatalf("Failed to get cert dir: %v", err)
			}

			// Verify path contains expected components
			expected := tt.nodeType + "-" + tt.nodeID
			if filepath.Base(certDir) != expected {
				t.Errorf("Expected cert dir to end with %s, got %s", expected, certDir)
			}
		})
	}
}

