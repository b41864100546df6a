package tls

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetSecurityDefaults(t *testing.T) {
	defaults := GetSecurityDefaults()

	if defaults == nil {
		t.Fatal("Security defaults should not be nil")
	}
	if len(defaults.SecureCipherSuites) == 0 {
		t.Error("Expected secure cipher suites to be configured")
	}
	if defaults.MinTLSVersion != tls.VersionTLS12 {
		t.Errorf("Expected minimum TLS version to be 1.2, got %d", defaults.MinTLSVersion)
	}
}

func TestApplySecureDefaults(t *testing.T) {
	config := &tls.Config{}
	defaults := GetSecurityDefaults()

	ApplySecureDefaults(config, defaults)

	if len(config.CipherSuites) == 0 {
		t.Error("Expected cipher suites to be applied")
	}
	if config.MinVersion != defaults.MinTLSVersion {
		t.Errorf("Expected MinVersion to be %d, got %d", defaults.MinTLSVersion, config.MinVersion)
	}
	if config.Renegotiation != tls.RenegotiateNever {
		t.Error("Expected renegotiation to be disabled")
	}
}

func TestApplySecureDefaultsKeepsStricterSettings(t *testing.T) {
	config := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		CipherSuites: []uint16{tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384},
	}

	ApplySecureDefaults(config, GetSecurityDefaults())

	assert.Equal(t, uint16(tls.VersionTLS13), config.MinVersion)
	assert.Equal(t, []uint16{tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384}, config.CipherSuites)
}

func TestApplySecureDefaultsRaisesWeakMinimum(t *testing.T) {
	config := &tls.Config{MinVersion: tls.VersionTLS10}

	ApplySecureDefaults(config, GetSecurityDefaults())

	assert.Equal(t, uint16(tls.VersionTLS12), config.MinVersion)
}

func TestApplySecureDefaultsNil(t *testing.T) {
	assert.NotPanics(t, func() {
		ApplySecureDefaults(nil, GetSecurityDefaults())
		ApplySecureDefaults(&tls.Config{}, nil)
	})
}
