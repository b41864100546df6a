package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	poliscert "github.com/polisai/polis-relay/internal/tls"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestProvisionAndVerifyAgentCertificate(t *testing.T) {
	dir := t.TempDir()
	caDir := filepath.Join(dir, "ca")
	agentCert := filepath.Join(dir, "edge-01.crt")
	agentKey := filepath.Join(dir, "edge-01.key")

	out, err := execute(t, "ca", "--out-dir", caDir, "--cn", "Test Relay CA")
	require.NoError(t, err)
	assert.Contains(t, out, "CN=Test Relay CA")

	out, err = execute(t, "issue",
		"--ca-cert", filepath.Join(caDir, "ca.crt"),
		"--ca-key", filepath.Join(caDir, "ca.key"),
		"--cn", "edge-01",
		"--spiffe-id", "spiffe://relay.example.com/agent/edge-01",
		"--cert", agentCert,
		"--key", agentKey)
	require.NoError(t, err)
	assert.Contains(t, out, "Agent certificate issued successfully")

	out, err = execute(t, "verify", "--ca", filepath.Join(caDir, "ca.crt"), "--cert", agentCert)
	require.NoError(t, err)
	assert.Contains(t, out, "Subject: CN=edge-01")
	assert.Contains(t, out, "SPIFFE ID: spiffe://relay.example.com/agent/edge-01")
}

func TestVerifyRejectsForeignCertificate(t *testing.T) {
	dir := t.TempDir()
	trusted := filepath.Join(dir, "trusted")
	other := filepath.Join(dir, "other")
	agentCert := filepath.Join(dir, "agent.crt")

	_, err := execute(t, "ca", "--out-dir", trusted)
	require.NoError(t, err)
	_, err = execute(t, "ca", "--out-dir", other)
	require.NoError(t, err)
	_, err = execute(t, "issue",
		"--ca-cert", filepath.Join(other, "ca.crt"),
		"--ca-key", filepath.Join(other, "ca.key"),
		"--cert", agentCert,
		"--key", filepath.Join(dir, "agent.key"))
	require.NoError(t, err)

	_, err = execute(t, "verify", "--ca", filepath.Join(trusted, "ca.crt"), "--cert", agentCert)
	require.Error(t, err)
	assert.ErrorIs(t, err, poliscert.ErrUntrustedCertificate)
}

func TestVerifyMissingCertificate(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "ca", "--out-dir", dir)
	require.NoError(t, err)

	_, err = execute(t, "verify", "--ca", filepath.Join(dir, "ca.crt"), "--cert", filepath.Join(dir, "nope.crt"))
	var tlsErr *poliscert.TLSError
	require.ErrorAs(t, err, &tlsErr)
	assert.Equal(t, poliscert.ErrorTypeFileNotFound, tlsErr.Type)
}

func TestIssueServerCertificateAndInspectJSON(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "ca", "--out-dir", dir)
	require.NoError(t, err)

	serverCert := filepath.Join(dir, "broker.crt")
	_, err = execute(t, "issue", "--server",
		"--ca-cert", filepath.Join(dir, "ca.crt"),
		"--ca-key", filepath.Join(dir, "ca.key"),
		"--dns", "relay.example.com, relay.internal",
		"--cert", serverCert,
		"--key", filepath.Join(dir, "broker.key"))
	require.NoError(t, err)

	out, err := execute(t, "inspect", "--cert", serverCert, "--format", "json")
	require.NoError(t, err)

	var info poliscert.CertificateInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, []string{"relay.example.com", "relay.internal"}, info.DNSNames)
	assert.False(t, info.IsCA)
	assert.Equal(t, serverCert, info.CertFile)
}

func TestInspectRejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "ca", "--out-dir", dir)
	require.NoError(t, err)

	_, err = execute(t, "inspect", "--cert", filepath.Join(dir, "ca.crt"), "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestIssueRejectsBadSPIFFEID(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "ca", "--out-dir", dir)
	require.NoError(t, err)

	_, err = execute(t, "issue",
		"--ca-cert", filepath.Join(dir, "ca.crt"),
		"--ca-key", filepath.Join(dir, "ca.key"),
		"--spiffe-id", "https://not-spiffe/agent",
		"--cert", filepath.Join(dir, "a.crt"),
		"--key", filepath.Join(dir, "a.key"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid SPIFFE ID")
}

func TestPrintCertificateInfoStatus(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		notAfter time.Time
		expected string
	}{
		{name: "valid", notAfter: now.Add(90 * 24 * time.Hour), expected: "Status: VALID"},
		{name: "expiring", notAfter: now.Add(10 * 24 * time.Hour), expected: "Status: EXPIRES SOON"},
		{name: "expired", notAfter: now.Add(-time.Hour), expected: "Status: EXPIRED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			printCertificateInfoText(&out, &poliscert.CertificateInfo{
				Subject:   "CN=edge-01",
				NotBefore: now.Add(-time.Hour * 24),
				NotAfter:  tt.notAfter,
			}, now)
			assert.Contains(t, out.String(), tt.expected)
		})
	}
}
