// Package hashing normalizes and one-way hashes PII before it is attached
// to platform payloads. No plaintext PII ever leaves this process.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

var gmailDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
}

func sha256Hex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Email normalizes and SHA-256 hashes an email address.
//
// Normalization: trim whitespace, lowercase; for Gmail/Googlemail addresses
// the local part additionally drops dots and plus-suffixes, since the
// platforms treat those aliases as the same account. Returns "" for empty
// or malformed input.
func Email(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ""
	}

	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return ""
	}

	if gmailDomains[domain] {
		local, _, _ = strings.Cut(local, "+")
		local = strings.ReplaceAll(local, ".", "")
	}

	return sha256Hex(local + "@" + domain)
}

// Name normalizes (trim, lowercase) and SHA-256 hashes a first or last name.
// Returns "" for empty input.
func Name(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	return sha256Hex(name)
}
