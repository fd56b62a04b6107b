package phi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"imaging-edge-proxy/receiver/internal/models"
	"imaging-edge-proxy/shared/metricsx"
)

const anonPrefix = "ANON-"

var (
	ErrMappingNotFound      = errors.New("phi mapping not found")
	ErrAuthorizationDenied  = errors.New("phi authorization denied")
	ErrAnonymizationMissing = errors.New("anonymization secret not configured")

	nonAlphaRegex = regexp.MustCompile(`[^A-Z0-9 ]`)
)

// Store persists anonymized-id to ciphertext mappings. PutIfAbsent must
// be first-write-wins: a second write for the same id is a no-op.
type Store interface {
	PutIfAbsent(ctx context.Context, mapping models.PHIMapping) (bool, error)
	Get(ctx context.Context, workspaceID string, anonID string) (models.PHIMapping, error)
}

// Authorizer gates the reverse direction. Any error denies access.
type Authorizer interface {
	AuthorizePHIRead(ctx context.Context, token string) error
}

type Anonymizer struct {
	hashSecret []byte
	cipher     *Cipher
	store      Store
	auth       Authorizer
}

func NewAnonymizer(hashSecret string, cipher *Cipher, store Store, auth Authorizer) (*Anonymizer, error) {
	if strings.TrimSpace(hashSecret) == "" {
		return nil, ErrAnonymizationMissing
	}
	if cipher == nil || store == nil {
		return nil, errors.New("cipher and store are required")
	}
	return &Anonymizer{
		hashSecret: []byte(hashSecret),
		cipher:     cipher,
		store:      store,
		auth:       auth,
	}, nil
}

// NormalizeName canonicalizes a DICOM patient name so spelling and
// ordering variants of the same person hash identically.
func NormalizeName(name string) string {
	if name == "" {
		return ""
	}
	name = strings.ToUpper(name)
	name = strings.ReplaceAll(name, "^", " ")
	name = strings.ReplaceAll(name, ",", " ")
	name = nonAlphaRegex.ReplaceAllString(name, "")
	parts := strings.Fields(name)
	sort.Strings(parts)
	return strings.Join(parts, "")
}

// AnonID derives the deterministic anonymized identifier for a patient.
// The same identity within a workspace always yields the same id.
func (a *Anonymizer) AnonID(workspaceID string, identity models.PatientIdentity) string {
	mac := hmac.New(sha256.New, a.hashSecret)
	fmt.Fprintf(mac, "%s|%s|%s", workspaceID, NormalizeName(identity.PatientName), strings.TrimSpace(identity.PatientID))
	sum := mac.Sum(nil)
	return anonPrefix + strings.ToUpper(hex.EncodeToString(sum)[:12])
}

// Anonymize derives the anonymized id and records the reverse mapping.
// Existing mappings are left untouched so the first stored identity wins.
func (a *Anonymizer) Anonymize(ctx context.Context, workspaceID string, identity models.PatientIdentity) (string, error) {
	anonID := a.AnonID(workspaceID, identity)

	plaintext, err := identity.Marshal()
	if err != nil {
		return "", err
	}
	sealed, err := a.cipher.Seal(plaintext)
	if err != nil {
		return "", err
	}
	created, err := a.store.PutIfAbsent(ctx, models.PHIMapping{
		AnonID:      anonID,
		WorkspaceID: workspaceID,
		Ciphertext:  sealed,
	})
	if err != nil {
		return "", err
	}
	if created {
		metricsx.IncPHIMappingCreated()
	}
	return anonID, nil
}

// Deanonymize reverses a mapping for a caller holding the phi:read
// capability. Authorization failures and unknown ids both fail closed.
func (a *Anonymizer) Deanonymize(ctx context.Context, workspaceID string, anonID string, token string) (models.PatientIdentity, error) {
	if a.auth == nil {
		metricsx.IncPHILookupDenied()
		return models.PatientIdentity{}, ErrAuthorizationDenied
	}
	if err := a.auth.AuthorizePHIRead(ctx, token); err != nil {
		metricsx.IncPHILookupDenied()
		return models.PatientIdentity{}, fmt.Errorf("%w: %v", ErrAuthorizationDenied, err)
	}

	mapping, err := a.store.Get(ctx, workspaceID, anonID)
	if err != nil {
		return models.PatientIdentity{}, err
	}
	plaintext, err := a.cipher.Open(mapping.Ciphertext)
	if err != nil {
		return models.PatientIdentity{}, fmt.Errorf("mapping %s: %w", anonID, err)
	}
	var identity models.PatientIdentity
	if err := unmarshalIdentity(plaintext, &identity); err != nil {
		return models.PatientIdentity{}, err
	}
	return identity, nil
}
