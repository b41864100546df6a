// Package tls implements certificate-based admission for relay agents and the
// transport TLS settings used by the broker and agents.
//
// The broker loads a single CA certificate (the trust anchor) at startup and
// checks every agent's Register certificate against it with an explicit
// signature algorithm allow-list. The package also carries the certificate
// generation helpers behind the polis-cert tool and the test fixtures, and a
// CertificateMonitor that warns as watched certificates approach expiry.
package tls
