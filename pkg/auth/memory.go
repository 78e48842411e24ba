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

package auth

import (
	"fmt"
	"log"
	"sync"
)

// MemoryValidator validates engine tokens against an in-memory credential
// set. Entries are keyed by name so individual credentials can be rotated or
// disabled without touching the others.
type MemoryValidator struct {
	credentials map[string]*Credential
	enabled     bool
	mu          sync.RWMutex
}

// NewMemoryValidator creates an empty memory-based validator.
func NewMemoryValidator() *MemoryValidator {
	return &MemoryValidator{
		credentials: make(map[string]*Credential),
		enabled:     true,
	}
}

// Name returns the name of this validator.
func (mv *MemoryValidator) Name() string {
	return "memory"
}

// Enabled returns whether this validator is enabled.
func (mv *MemoryValidator) Enabled() bool {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	return mv.enabled
}

// SetEnabled enables or disables this validator.
func (mv *MemoryValidator) SetEnabled(enabled bool) {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	mv.enabled = enabled
}

// AddToken stores a named credential, hashing the token with the given
// algorithm.
func (mv *MemoryValidator) AddToken(name, token string, algorithm HashAlgorithm) error {
	mv.mu.Lock()
	defer mv.mu.Unlock()

	if name == "" {
		return fmt.Errorf("credential name cannot be empty")
	}
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	// Salt SHA256 digests with the credential name.
	salt := ""
	if algorithm == HashSHA256 {
		salt = name
	}

	hash, err := hashToken(token, salt, algorithm)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}

	mv.credentials[name] = &Credential{
		Name:      name,
		TokenHash: hash,
		Algorithm: algorithm,
		Salt:      salt,
		Enabled:   true,
	}
	log.Printf("[INFO] Added engine credential: %s with algorithm: %s", name, algorithm)
	return nil
}

// RemoveToken deletes a named credential.
func (mv *MemoryValidator) RemoveToken(name string) error {
	mv.mu.Lock()
	defer mv.mu.Unlock()

	if _, exists := mv.credentials[name]; !exists {
		return fmt.Errorf("credential not found: %s", name)
	}

	delete(mv.credentials, name)
	log.Printf("[INFO] Removed engine credential: %s", name)
	return nil
}

// SetTokenEnabled enables or disables a specific credential.
func (mv *MemoryValidator) SetTokenEnabled(name string, enabled bool) error {
	mv.mu.Lock()
	defer mv.mu.Unlock()

	cred, exists := mv.credentials[name]
	if !exists {
		return fmt.Errorf("credential not found: %s", name)
	}

	cred.Enabled = enabled
	log.Printf("[INFO] Engine credential %s enabled status set to: %t", name, enabled)
	return nil
}

// ListTokens returns the names of all stored credentials.
func (mv *MemoryValidator) ListTokens() []string {
	mv.mu.RLock()
	defer mv.mu.RUnlock()

	names := make([]string, 0, len(mv.credentials))
	for name := range mv.credentials {
		names = append(names, name)
	}
	return names
}

// Validate checks the presented token against every enabled credential.
func (mv *MemoryValidator) Validate(token string) AuthResult {
	mv.mu.RLock()
	defer mv.mu.RUnlock()

	if !mv.enabled {
		return AuthIgnore
	}

	if token == "" {
		log.Printf("[DEBUG] Empty engine token provided, ignoring")
		return AuthIgnore
	}

	for _, cred := range mv.credentials {
		if !cred.Enabled {
			continue
		}
		if verifyToken(token, cred.TokenHash, cred.Salt, cred.Algorithm) {
			log.Printf("[INFO] Engine token matched credential: %s", cred.Name)
			return AuthSuccess
		}
	}

	log.Printf("[DEBUG] Engine token matched no credential in memory validator")
	return AuthIgnore
}

// Clear removes all credentials.
func (mv *MemoryValidator) Clear() {
	mv.mu.Lock()
	defer mv.mu.Unlock()

	mv.credentials = make(map[string]*Credential)
	log.Printf("[INFO] Cleared all engine credentials from memory validator")
}

// Count returns the number of stored credentials.
func (mv *MemoryValidator) Count() int {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	return len(mv.credentials)
}
