package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	poliscert "github.com/polisai/polis-relay/internal/tls"
)

const (
	version = "1.0.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-cert",
		Short: "Certificate provisioning for the Polis relay",
		Long: `polis-cert creates the relay CA, issues agent and broker certificates and
inspects or verifies them the way the broker does at registration.

Examples:
  # Create the CA the broker trusts
  polis-cert ca --out-dir ca

  # Issue an agent certificate
  polis-cert issue --ca-cert ca/ca.crt --ca-key ca/ca.key --cn edge-01 \
    --cert edge-01.crt --key edge-01.key

  # Issue a certificate for the broker's TLS listener
  polis-cert issue --server --dns relay.example.com --cert broker.crt --key broker.key

  # Check a certificate the way the broker will
  polis-cert verify --ca ca/ca.crt --cert edge-01.crt`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newCACmd(), newIssueCmd(), newInspectCmd(), newVerifyCmd(), newVersionCmd())
	return rootCmd
}

func newCACmd() *cobra.Command {
	var (
		outputDir  string
		commonName string
		org        string
		validFor   time.Duration
		keyType    string
	)

	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Generate a self-signed relay CA",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ca, err := poliscert.NewAuthority(poliscert.CertificateGenerationOptions{
				CommonName:   commonName,
				Organization: nonEmpty(org),
				ValidFor:     validFor,
				KeyType:      poliscert.KeyType(keyType),
			})
			if err != nil {
				return fmt.Errorf("failed to generate CA: %w", err)
			}

			certPath := filepath.Join(outputDir, "ca.crt")
			keyPath := filepath.Join(outputDir, "ca.key")
			if err := poliscert.WriteCertificateFiles(ca.CertPEM, ca.KeyPEM, certPath, keyPath); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "CA generated successfully:\n")
			fmt.Fprintf(out, "  Certificate: %s\n", certPath)
			fmt.Fprintf(out, "  Private Key: %s\n", keyPath)
			fmt.Fprintf(out, "  Subject: %s\n", ca.Cert.Subject.String())
			fmt.Fprintf(out, "  Valid Until: %s\n", ca.Cert.NotAfter.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&outputDir, "out-dir", "ca", "Directory for ca.crt and ca.key")
	cmd.Flags().StringVar(&commonName, "cn", "Polis Relay CA", "Common name of the CA")
	cmd.Flags().StringVar(&org, "org", "", "Organization name")
	cmd.Flags().DurationVar(&validFor, "valid-for", 10*365*24*time.Hour, "CA validity duration")
	cmd.Flags().StringVar(&keyType, "key-type", string(poliscert.KeyTypeECDSAP256), "Key type (ecdsa-p256, ecdsa-p384, ed25519)")
	return cmd
}

type issueOptions struct {
	caCert   string
	caKey    string
	server   bool
	cn       string
	dnsNames string
	ips      string
	spiffeID string
	validFor time.Duration
	certFile string
	keyFile  string
}

func newIssueCmd() *cobra.Command {
	var opts issueOptions

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an agent (or broker server) certificate from the CA",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIssue(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.caCert, "ca-cert", "ca/ca.crt", "CA certificate")
	cmd.Flags().StringVar(&opts.caKey, "ca-key", "ca/ca.key", "CA private key")
	cmd.Flags().BoolVar(&opts.server, "server", false, "Issue a TLS server certificate for the broker listener")
	cmd.Flags().StringVar(&opts.cn, "cn", "", "Common name (default polis-agent, or localhost with --server)")
	cmd.Flags().StringVar(&opts.dnsNames, "dns", "", "Comma-separated list of DNS names (SANs)")
	cmd.Flags().StringVar(&opts.ips, "ips", "", "Comma-separated list of IP addresses")
	cmd.Flags().StringVar(&opts.spiffeID, "spiffe-id", "", "SPIFFE ID recorded as a URI SAN")
	cmd.Flags().DurationVar(&opts.validFor, "valid-for", 365*24*time.Hour, "Certificate validity duration")
	cmd.Flags().StringVar(&opts.certFile, "cert", "agent.crt", "Output certificate file")
	cmd.Flags().StringVar(&opts.keyFile, "key", "agent.key", "Output private key file")
	return cmd
}

func runIssue(out io.Writer, opts issueOptions) error {
	ca, err := poliscert.LoadAuthority(opts.caCert, opts.caKey)
	if err != nil {
		return err
	}

	genOpts := poliscert.CertificateGenerationOptions{
		CommonName:  opts.cn,
		DNSNames:    parseDNSNames(opts.dnsNames),
		IPAddresses: parseIPAddresses(opts.ips),
		ValidFor:    opts.validFor,
	}
	if opts.spiffeID != "" {
		u, err := url.Parse(opts.spiffeID)
		if err != nil || u.Scheme != "spiffe" {
			return fmt.Errorf("invalid SPIFFE ID %q", opts.spiffeID)
		}
		genOpts.URIs = []*url.URL{u}
	}

	issue := ca.IssueClientCertificate
	kind := "Agent"
	if opts.server {
		issue = ca.IssueServerCertificate
		kind = "Server"
	}
	certPEM, keyPEM, err := issue(genOpts)
	if err != nil {
		return fmt.Errorf("failed to issue certificate: %w", err)
	}
	if err := poliscert.WriteCertificateFiles(certPEM, keyPEM, opts.certFile, opts.keyFile); err != nil {
		return err
	}

	fmt.Fprintf(out, "%s certificate issued successfully:\n", kind)
	fmt.Fprintf(out, "  Certificate: %s\n", opts.certFile)
	fmt.Fprintf(out, "  Private Key: %s\n", opts.keyFile)
	fmt.Fprintf(out, "  Issuer: %s\n", ca.Cert.Subject.String())
	fmt.Fprintf(out, "  Valid For: %v\n", opts.validFor)
	if names := parseDNSNames(opts.dnsNames); len(names) > 0 {
		fmt.Fprintf(out, "  DNS Names: %s\n", strings.Join(names, ", "))
	}
	if opts.spiffeID != "" {
		fmt.Fprintf(out, "  SPIFFE ID: %s\n", opts.spiffeID)
	}
	return nil
}

func newInspectCmd() *cobra.Command {
	var certFile, format string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect a certificate file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := poliscert.GetCertificateFileInfo(certFile)
			if err != nil {
				return err
			}
			switch format {
			case "text":
				printCertificateInfoText(cmd.OutOrStdout(), info, time.Now())
				return nil
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			default:
				return fmt.Errorf("unknown format: %s (supported: text, json)", format)
			}
		},
	}

	cmd.Flags().StringVar(&certFile, "cert", "", "Certificate file to inspect")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, json")
	_ = cmd.MarkFlagRequired("cert")
	return cmd
}

func printCertificateInfoText(out io.Writer, info *poliscert.CertificateInfo, now time.Time) {
	fmt.Fprintf(out, "Certificate Information:\n")
	fmt.Fprintf(out, "  File: %s\n", info.CertFile)
	fmt.Fprintf(out, "  Subject: %s\n", info.Subject)
	fmt.Fprintf(out, "  Issuer: %s\n", info.Issuer)
	fmt.Fprintf(out, "  Serial: %s\n", info.SerialNumber)
	fmt.Fprintf(out, "  Algorithm: %s\n", info.SignatureAlgorithm)
	fmt.Fprintf(out, "  Valid From: %s\n", info.NotBefore.Format(time.RFC3339))
	fmt.Fprintf(out, "  Valid Until: %s\n", info.NotAfter.Format(time.RFC3339))

	switch {
	case now.After(info.NotAfter):
		fmt.Fprintf(out, "  Status: EXPIRED (%v ago)\n", now.Sub(info.NotAfter).Truncate(time.Hour))
	case now.Before(info.NotBefore):
		fmt.Fprintf(out, "  Status: NOT YET VALID (valid in %v)\n", info.NotBefore.Sub(now).Truncate(time.Hour))
	default:
		remaining := info.NotAfter.Sub(now)
		if remaining < 30*24*time.Hour {
			fmt.Fprintf(out, "  Status: EXPIRES SOON (in %v)\n", remaining.Truncate(time.Hour))
		} else {
			fmt.Fprintf(out, "  Status: VALID (expires in %v)\n", remaining.Truncate(time.Hour))
		}
	}

	if info.IsCA {
		fmt.Fprintf(out, "  CA: yes\n")
	}
	if len(info.DNSNames) > 0 {
		fmt.Fprintf(out, "  DNS Names: %s\n", strings.Join(info.DNSNames, ", "))
	}
	if len(info.URIs) > 0 {
		fmt.Fprintf(out, "  URIs: %s\n", strings.Join(info.URIs, ", "))
	}
}

func newVerifyCmd() *cobra.Command {
	var caFile, certFile string
	var algorithms []string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify an agent certificate against the CA as the broker does",
		RunE: func(cmd *cobra.Command, _ []string) error {
			anchor, err := poliscert.LoadTrustAnchor(caFile)
			if err != nil {
				return err
			}
			algs, err := poliscert.AlgorithmsByName(algorithms)
			if err != nil {
				return err
			}
			verifier, err := poliscert.NewVerifier(anchor, poliscert.WithAlgorithms(algs...))
			if err != nil {
				return err
			}

			candidate, err := os.ReadFile(certFile)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return poliscert.NewFileNotFoundError(certFile)
				}
				return fmt.Errorf("failed to read certificate: %w", err)
			}
			claim, err := verifier.Verify(string(candidate))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Certificate accepted by %s\n", anchor.Subject())
			fmt.Fprintf(out, "  Subject: %s\n", claim.Subject)
			fmt.Fprintf(out, "  Serial: %s\n", claim.SerialNumber)
			fmt.Fprintf(out, "  Fingerprint: %s\n", claim.Fingerprint)
			fmt.Fprintf(out, "  Valid Until: %s\n", claim.NotAfter.Format(time.RFC3339))
			if claim.SPIFFEID != "" {
				fmt.Fprintf(out, "  SPIFFE ID: %s\n", claim.SPIFFEID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&caFile, "ca", "ca/ca.crt", "CA certificate the broker trusts")
	cmd.Flags().StringVar(&certFile, "cert", "", "Agent certificate to verify")
	cmd.Flags().StringSliceVar(&algorithms, "algorithms", []string{poliscert.ECDSAP256SHA256.Name}, "Allowed signature algorithms")
	_ = cmd.MarkFlagRequired("cert")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "polis-cert version %s\n", version)
		},
	}
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func parseDNSNames(dnsStr string) []string {
	if dnsStr == "" {
		return nil
	}

	names := strings.Split(dnsStr, ",")
	for i, name := range names {
		names[i] = strings.TrimSpace(name)
	}
	return names
}

func parseIPAddresses(ipStr string) []net.IP {
	if ipStr == "" {
		return nil
	}

	var ips []net.IP
	for _, s := range strings.Split(ipStr, ",") {
		s = strings.TrimSpace(s)
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		} else {
			log.Printf("Warning: invalid IP address: %s", s)
		}
	}
	return ips
}
