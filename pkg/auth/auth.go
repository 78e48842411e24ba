// Copyright 2024 The apexhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth validates the shared-secret tokens presented by inference
// engine connections during identify. Consumer roles are admitted without
// credentials; only the engine role passes through here. Stored tokens may
// be kept plain, SHA256 hashed, or bcrypt hashed.
package auth

import (
	"crypto/sha256"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

// HashAlgorithm defines how a stored token is hashed.
type HashAlgorithm string

const (
	// HashPlain stores the token verbatim (development only).
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 stores a salted SHA256 digest of the token.
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt stores a bcrypt hash of the token (recommended).
	HashBcrypt HashAlgorithm = "bcrypt"
)

// Credential is one named engine token entry.
type Credential struct {
	Name      string        `json:"name"`
	TokenHash string        `json:"token_hash"`
	Algorithm HashAlgorithm `json:"algorithm"`
	Salt      string        `json:"salt,omitempty"`
	Enabled   bool          `json:"enabled"`
}

// AuthResult represents the result of a validation attempt.
type AuthResult int

const (
	// AuthSuccess indicates the token was accepted.
	AuthSuccess AuthResult = iota
	// AuthFailure indicates the token was rejected.
	AuthFailure
	// AuthError indicates an error occurred during validation.
	AuthError
	// AuthIgnore indicates the validator has no opinion on this token.
	AuthIgnore
)

// String returns the string representation of AuthResult.
func (ar AuthResult) String() string {
	switch ar {
	case AuthSuccess:
		return "success"
	case AuthFailure:
		return "failure"
	case AuthError:
		return "error"
	case AuthIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Validator is a single token validation provider. Token values are never
// logged.
type Validator interface {
	// Validate checks the presented token.
	Validate(token string) AuthResult
	// Name returns the name of the validator.
	Name() string
	// Enabled returns whether the validator is enabled.
	Enabled() bool
}

// Chain runs validators in order until one accepts or rejects the token.
type Chain struct {
	validators []Validator
	enabled    bool
}

// NewChain creates an empty validation chain.
func NewChain() *Chain {
	return &Chain{
		validators: make([]Validator, 0),
		enabled:    true,
	}
}

// AddValidator appends a validator to the chain.
func (c *Chain) AddValidator(v Validator) {
	c.validators = append(c.validators, v)
}

// Validate processes the token through the chain:
// - the first AuthSuccess accepts the token
// - the first AuthFailure rejects it
// - AuthError is logged and the chain continues
// - if every validator ignores the token, it is rejected
// An empty chain accepts everything so a freshly unpacked hub works before
// any credentials are configured; the allowance is logged loudly.
func (c *Chain) Validate(token string) AuthResult {
	if !c.enabled {
		return AuthIgnore
	}

	if len(c.validators) == 0 {
		log.Printf("[WARN] No engine token validators configured, allowing engine identification")
		return AuthSuccess
	}

	log.Printf("[DEBUG] Starting engine token validation chain")

	for i, v := range c.validators {
		if !v.Enabled() {
			log.Printf("[DEBUG] Validator %d (%s) is disabled, skipping", i+1, v.Name())
			continue
		}

		result := v.Validate(token)
		log.Printf("[DEBUG] Validator %s returned: %s", v.Name(), result.String())

		switch result {
		case AuthSuccess:
			log.Printf("[INFO] Engine token accepted via %s", v.Name())
			return AuthSuccess
		case AuthFailure:
			log.Printf("[WARN] Engine token rejected via %s", v.Name())
			return AuthFailure
		case AuthError:
			log.Printf("[ERROR] Engine token validation error via %s", v.Name())
			continue
		case AuthIgnore:
			continue
		}
	}

	log.Printf("[WARN] No validator recognized the engine token, denying")
	return AuthFailure
}

// SetEnabled enables or disables the whole chain.
func (c *Chain) SetEnabled(enabled bool) {
	c.enabled = enabled
}

// IsEnabled returns whether the chain is enabled.
func (c *Chain) IsEnabled() bool {
	return c.enabled
}

// Clear removes all validators from the chain.
func (c *Chain) Clear() {
	c.validators = c.validators[:0]
}

// Count returns the number of validators in the chain.
func (c *Chain) Count() int {
	return len(c.validators)
}

// hashToken creates a hash of the token using the specified algorithm.
func hashToken(token, salt string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return token, nil
	case HashSHA256:
		hasher := sha256.New()
		hasher.Write([]byte(salt + token))
		return fmt.Sprintf("%x", hasher.Sum(nil)), nil
	case HashBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// verifyToken verifies a token against a stored hash.
func verifyToken(token, hash, salt string, algorithm HashAlgorithm) bool {
	switch algorithm {
	case HashPlain:
		return token == hash
	case HashSHA256:
		expected, err := hashToken(token, salt, HashSHA256)
		if err != nil {
			return false
		}
		return expected == hash
	case HashBcrypt:
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
		return err == nil
	default:
		return false
	}
}
