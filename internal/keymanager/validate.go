package keymanager

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/routekeeper/routekeeper/internal/domain"
)

const (
	minMaterialLen = 10
	maxMaterialLen = 500

	maxProviderIDLen = 100

	maxMetadataKeys     = 100
	maxMetadataValueLen = 10 * 1024
)

var (
	providerIDPattern  = regexp.MustCompile(`^[a-z0-9_]+$`)
	metadataKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// injectionPatterns are substrings that have no business appearing in
	// credential material and usually indicate template or shell injection
	// attempts in caller input.
	injectionPatterns = []string{"${", "$(", "`", "<script", "\\x00"}
)

// validateMaterial enforces the structural and safety rules for raw key
// material. The material itself never appears in the returned error.
func validateMaterial(material string) error {
	trimmed := strings.TrimSpace(material)
	if trimmed == "" {
		return &domain.ValidationError{Field: "material", Reason: "empty after trimming"}
	}
	if len(trimmed) < minMaterialLen {
		return &domain.ValidationError{Field: "material", Reason: "shorter than minimum length"}
	}
	if len(trimmed) > maxMaterialLen {
		return &domain.ValidationError{Field: "material", Reason: "exceeds maximum length"}
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return &domain.ValidationError{Field: "material", Reason: "contains control characters"}
		}
	}
	for _, pattern := range injectionPatterns {
		if strings.Contains(trimmed, pattern) {
			return &domain.ValidationError{Field: "material", Reason: "contains disallowed pattern"}
		}
	}
	return nil
}

// validateProviderID enforces lowercase letters, digits, and underscores.
func validateProviderID(providerID string) error {
	if providerID == "" {
		return &domain.ValidationError{Field: "provider_id", Reason: "empty"}
	}
	if len(providerID) > maxProviderIDLen {
		return &domain.ValidationError{Field: "provider_id", Reason: "exceeds maximum length"}
	}
	if !providerIDPattern.MatchString(providerID) {
		return &domain.ValidationError{Field: "provider_id", Reason: "must be lowercase letters, digits, or underscores"}
	}
	return nil
}

// validateMetadata bounds the metadata map: key count, key format, and value
// size.
func validateMetadata(metadata map[string]string) error {
	if len(metadata) > maxMetadataKeys {
		return &domain.ValidationError{Field: "metadata", Reason: "too many keys"}
	}
	for k, v := range metadata {
		if k == "" || !metadataKeyPattern.MatchString(k) {
			return &domain.ValidationError{Field: "metadata", Reason: "invalid key format"}
		}
		if len(v) > maxMetadataValueLen {
			return &domain.ValidationError{Field: "metadata", Reason: "value exceeds maximum size"}
		}
	}
	return nil
}
