package appstore

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerificationError wraps any signature or structural failure of a signed
// payload. Webhook handlers acknowledge these with 200 instead of letting
// the platform retry an unfixable payload.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("appstore verification failed: %s: %v", e.Reason, e.Err)
	}
	return "appstore verification failed: " + e.Reason
}

func (e *VerificationError) Unwrap() error { return e.Err }

func verificationErr(reason string, err error) error {
	return &VerificationError{Reason: reason, Err: err}
}

// Verifier validates Apple-signed JWS payloads against a pinned set of
// root certificates and decodes them into typed records. Verification is
// pure; it performs no I/O and has no side effects.
type Verifier struct {
	roots       *x509.CertPool
	environment Environment
	bundleID    string
	now         func() time.Time
}

// NewVerifier builds a verifier for one explicit environment. rootCerts
// holds the trusted root certificates in PEM or raw DER form.
func NewVerifier(rootCerts [][]byte, environment Environment, bundleID string) (*Verifier, error) {
	if len(rootCerts) == 0 {
		return nil, errors.New("appstore: at least one root certificate is required")
	}
	pool := x509.NewCertPool()
	for i, raw := range rootCerts {
		if block, _ := pem.Decode(raw); block != nil {
			raw = block.Bytes
		}
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("appstore: parse root certificate %d: %w", i, err)
		}
		pool.AddCert(cert)
	}
	return &Verifier{
		roots:       pool,
		environment: environment,
		bundleID:    bundleID,
		now:         time.Now,
	}, nil
}

// NewVerifierFromDir loads every .pem/.cer/.der file in dir as a trusted
// root.
func NewVerifierFromDir(dir string, environment Environment, bundleID string) (*Verifier, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("appstore: read root certificate dir: %w", err)
	}
	var certs [][]byte
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".pem", ".cer", ".der":
		default:
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("appstore: read root certificate %s: %w", entry.Name(), err)
		}
		certs = append(certs, raw)
	}
	return NewVerifier(certs, environment, bundleID)
}

// VerifyNotification validates and decodes a server notification
// envelope, checking that it was produced for this verifier's bundle and
// environment.
func (v *Verifier) VerifyNotification(signedPayload string) (*NotificationPayload, error) {
	var payload NotificationPayload
	if err := v.decode(signedPayload, &payload); err != nil {
		return nil, err
	}
	if payload.Data.BundleID != "" && payload.Data.BundleID != v.bundleID {
		return nil, verificationErr(fmt.Sprintf("bundle id %q does not match %q", payload.Data.BundleID, v.bundleID), nil)
	}
	if payload.Data.Environment != "" && payload.Data.Environment != string(v.environment) {
		return nil, verificationErr(fmt.Sprintf("environment %q does not match %q", payload.Data.Environment, v.environment), nil)
	}
	return &payload, nil
}

// VerifyTransaction validates and decodes a signed transaction.
func (v *Verifier) VerifyTransaction(signedTransaction string) (*TransactionInfo, error) {
	var info TransactionInfo
	if err := v.decode(signedTransaction, &info); err != nil {
		return nil, err
	}
	if info.BundleID != "" && info.BundleID != v.bundleID {
		return nil, verificationErr(fmt.Sprintf("bundle id %q does not match %q", info.BundleID, v.bundleID), nil)
	}
	if info.Environment != "" && info.Environment != string(v.environment) {
		return nil, verificationErr(fmt.Sprintf("environment %q does not match %q", info.Environment, v.environment), nil)
	}
	return &info, nil
}

// VerifyRenewalInfo validates and decodes signed renewal info.
func (v *Verifier) VerifyRenewalInfo(signedRenewalInfo string) (*RenewalInfo, error) {
	var info RenewalInfo
	if err := v.decode(signedRenewalInfo, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// decode parses the JWS, verifies the x5c certificate chain up to the
// pinned roots and checks the ES256 signature with the leaf key.
func (v *Verifier) decode(signed string, claims jwt.Claims) error {
	if strings.TrimSpace(signed) == "" {
		return verificationErr("empty payload", nil)
	}
	_, err := jwt.ParseWithClaims(signed, claims, v.leafKey, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		var vErr *VerificationError
		if errors.As(err, &vErr) {
			return vErr
		}
		return verificationErr("signature check failed", err)
	}
	return nil
}

// leafKey is the jwt keyfunc: it extracts and verifies the x5c chain and
// hands back the leaf public key for the signature check.
func (v *Verifier) leafKey(token *jwt.Token) (any, error) {
	chain, err := parseX5CChain(token.Header)
	if err != nil {
		return nil, err
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	leaf := chain[0]
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, verificationErr("certificate chain not trusted", err)
	}
	return leaf.PublicKey, nil
}

func parseX5CChain(header map[string]any) ([]*x509.Certificate, error) {
	raw, ok := header["x5c"]
	if !ok {
		return nil, verificationErr("missing x5c header", nil)
	}
	encoded, ok := raw.([]any)
	if !ok || len(encoded) == 0 {
		return nil, verificationErr("malformed x5c header", nil)
	}

	chain := make([]*x509.Certificate, 0, len(encoded))
	for i, entry := range encoded {
		s, ok := entry.(string)
		if !ok {
			return nil, verificationErr(fmt.Sprintf("x5c entry %d is not a string", i), nil)
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, verificationErr(fmt.Sprintf("x5c entry %d is not valid base64", i), err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, verificationErr(fmt.Sprintf("x5c entry %d is not a certificate", i), err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}
