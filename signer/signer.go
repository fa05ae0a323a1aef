// Package signer computes the HMAC attached to a job at creation time.
//
// Signing happens exactly once, synchronously, while the job is being
// inserted. Mutating the payload afterwards does not re-run the signer; that
// is deliberate, the signature vouches for what the producer submitted.
package signer

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/Shyp/nimitz/models"
	"github.com/Shyp/nimitz/vault"
)

const DefaultAlgorithm = "sha256"
const DefaultEncoding = "hex"

var algorithms = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha224": sha256.New224,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// A Signer resolves named secrets through the vault and writes signatures
// into job headers.
type Signer struct {
	Vault vault.Resolver
}

func New(v vault.Resolver) *Signer {
	return &Signer{Vault: v}
}

// Sign computes the signature over the job's payload and writes it into the
// job's headers map under the configured header name. Jobs with no signing
// secret configured are left untouched. An error here fails job creation
// outright; there is no separate retry path for signing.
func (s *Signer) Sign(j *models.Job) error {
	if !j.Signing.Enabled() {
		return nil
	}
	secret, err := s.secret(j.Signing)
	if err != nil {
		return err
	}
	sig, err := Compute(secret, []byte(j.Payload), j.Signing)
	if err != nil {
		return err
	}
	header := j.Signing.Header
	if header == "" {
		header = models.DefaultSignatureHeader
	}
	if j.Headers == nil {
		j.Headers = make(models.Headers)
	}
	j.Headers[header] = sig
	return nil
}

// Secret returns the key bytes for the job's signing config, resolving a
// named secret through the vault if no direct secret is set.
func (s *Signer) Secret(cfg models.SigningConfig) ([]byte, error) {
	return s.secret(cfg)
}

func (s *Signer) secret(cfg models.SigningConfig) ([]byte, error) {
	if len(cfg.Secret) > 0 {
		return cfg.Secret, nil
	}
	if s.Vault == nil {
		return nil, fmt.Errorf("signer: secret %q needs a vault and none is configured", cfg.SecretName)
	}
	return s.Vault.Resolve(cfg.SecretName)
}

// Compute returns the encoded HMAC of message under the given config. The
// canonical payload form is the JSON text exactly as stored; callers must
// not re-marshal it first.
func Compute(secret, message []byte, cfg models.SigningConfig) (string, error) {
	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	newHash, ok := algorithms[algorithm]
	if !ok {
		return "", fmt.Errorf("signer: unknown algorithm %q", algorithm)
	}
	mac := hmac.New(newHash, secret)
	mac.Write(message)
	sum := mac.Sum(nil)

	var sig string
	switch cfg.Encoding {
	case "", "hex":
		sig = hex.EncodeToString(sum)
	case "base64":
		sig = base64.StdEncoding.EncodeToString(sum)
	default:
		return "", fmt.Errorf("signer: unknown encoding %q", cfg.Encoding)
	}
	if cfg.Style == models.StylePrefixed {
		sig = algorithm + "=" + sig
	}
	return sig, nil
}

// Verify reports whether sig matches the HMAC of message under cfg, in
// constant time with respect to the signature bytes.
func Verify(secret, message []byte, sig string, cfg models.SigningConfig) bool {
	expected, err := Compute(secret, message, cfg)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(sig))
}
