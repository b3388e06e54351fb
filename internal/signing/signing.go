// Package signing implements the HMAC-SHA256 envelope signing used to
// tamper-protect every grant and approval file the kernel persists. It has
// no dependencies on any other kernel package.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// SignatureField is the JSON key under which a signed envelope carries its
// HMAC signature. It is excluded from the canonicalized payload used to
// compute that same signature.
const SignatureField = "_hmac_signature"

// Signer computes and verifies HMAC-SHA256 signatures over canonicalized
// JSON documents.
type Signer struct {
	key []byte
}

// New returns a Signer using key as the HMAC secret.
func New(key []byte) *Signer {
	return &Signer{key: key}
}

// LoadOrGenerateKey resolves the HMAC secret with the same precedence the
// original runtime used, minus the OS-keyring tier (no portable idiomatic
// equivalent in the Go ecosystem surveyed for this kernel):
//
//  1. envVar, if set and at least 32 bytes long.
//  2. keyFile, if it already exists (its contents, trimmed).
//  3. Otherwise: generate 32 random bytes, hex-encode, persist to keyFile
//     with 0600 permissions, and return the new key.
func LoadOrGenerateKey(envVar, keyFile string) (string, error) {
	if v := os.Getenv(envVar); len(v) >= 32 {
		return v, nil
	}

	if data, err := os.ReadFile(keyFile); err == nil {
		if info, statErr := os.Stat(keyFile); statErr == nil {
			if info.Mode().Perm()&0o077 != 0 {
				fmt.Fprintf(os.Stderr, "[SECURITY WARNING] %s has insecure permissions\n", keyFile)
			}
		}
		return trimNewline(data), nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate hmac key: %w", err)
	}
	key := hex.EncodeToString(sha256Sum(raw))

	if err := os.MkdirAll(filepath.Dir(keyFile), 0o755); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyFile, []byte(key), 0o600); err != nil {
		return "", fmt.Errorf("write hmac key: %w", err)
	}
	return key, nil
}

func sha256Sum(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

func trimNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

// Canonicalize marshals fields as JSON with sorted keys, excluding
// SignatureField, producing the exact byte sequence the signature is
// computed over.
func (s *Signer) Canonicalize(fields map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == SignatureField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// encoding/json does not expose a sorted-map encoder directly, so build
	// an ordered object by hand to guarantee the same byte layout the
	// original canonicalization produces.
	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(fields[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Sign returns the hex HMAC-SHA256 signature of the canonicalized fields.
func (s *Signer) Sign(fields map[string]any) (string, error) {
	payload, err := s.Canonicalize(fields)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether sig is the correct signature for fields, using a
// constant-time comparison.
func (s *Signer) Verify(fields map[string]any, sig string) bool {
	expected, err := s.Sign(fields)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(sig))
}

// SignEnvelope returns a copy of fields with SignatureField set to the
// computed signature, ready to be JSON-marshaled and persisted.
func (s *Signer) SignEnvelope(fields map[string]any) (map[string]any, error) {
	sig, err := s.Sign(fields)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[SignatureField] = sig
	return out, nil
}

// VerifyEnvelope extracts SignatureField from envelope and verifies it
// against the remaining fields. ok is false if the field is absent.
func (s *Signer) VerifyEnvelope(envelope map[string]any) (ok bool, present bool) {
	sig, has := envelope[SignatureField]
	if !has {
		return false, false
	}
	sigStr, isStr := sig.(string)
	if !isStr {
		return false, true
	}
	return s.Verify(envelope, sigStr), true
}
