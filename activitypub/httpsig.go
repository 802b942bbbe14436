package activitypub

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

var (
	postHeaders = []string{"(request-target)", "host", "date", "digest"}
	getHeaders  = []string{"(request-target)", "host", "date"}
)

// SignRequest signs an outgoing request with the given private key.
// keyID format: "https://example.com/u/alice#main-key". A non-nil body is
// covered by a SHA-256 Digest header.
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyID string, body []byte) error {
	headers := getHeaders
	if body != nil {
		headers = postHeaders
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)

	return signer.SignRequest(privateKey, keyID, req, body)
}

// SignatureKeyID returns the keyId parameter of the request's signature.
func SignatureKeyID(req *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", err
	}
	return verifier.KeyId(), nil
}

// VerifyRequest checks the request signature against publicKey and, when the
// request carries a body, the Digest header against that body.
func VerifyRequest(req *http.Request, body []byte, publicKey *rsa.PublicKey) error {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}

	if len(body) > 0 {
		if err := verifyDigest(req.Header.Get("Digest"), body); err != nil {
			return err
		}
		if !signedHeadersInclude(req, "digest") {
			return fmt.Errorf("digest header is not signed")
		}
	}

	if err := verifier.Verify(publicKey, httpsig.RSA_SHA256); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

func verifyDigest(header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("missing digest header")
	}
	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	for _, part := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		if value == want {
			return nil
		}
		return fmt.Errorf("digest mismatch")
	}
	return fmt.Errorf("no SHA-256 digest")
}

func signedHeadersInclude(req *http.Request, name string) bool {
	sig := req.Header.Get("Signature")
	if sig == "" {
		sig = strings.TrimPrefix(req.Header.Get("Authorization"), "Signature ")
	}
	for _, param := range strings.Split(sig, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || k != "headers" {
			continue
		}
		for _, h := range strings.Fields(strings.Trim(v, `"`)) {
			if strings.EqualFold(h, name) {
				return true
			}
		}
	}
	return false
}

// KeyOwner strips the fragment from a keyId.
func KeyOwner(keyID string) string {
	owner, _, _ := strings.Cut(keyID, "#")
	return owner
}

// ParsePrivateKey converts a PEM string to *rsa.PrivateKey. PKCS1 and PKCS8
// encodings are accepted.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return rsaKey, nil
}

// ParsePublicKey converts a PEM string to *rsa.PublicKey. PKIX and PKCS1
// encodings are accepted.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(bytes.TrimSpace([]byte(pemString)))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPubKey, nil
}
