package credentials

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// PasskeyAssertion is the client's WebAuthn assertion response, carried
// verbatim from the admission/resume envelope.
type PasskeyAssertion struct {
	CredentialID string
	RawResponse  []byte
}

// registeredUser satisfies webauthn.User for a single pre-registered
// credential. The broker never runs attestation/registration itself — it
// only verifies assertions against credentials provisioned out of band
// (see SPEC_FULL.md §5), so one static user per credential is sufficient.
type registeredUser struct {
	id          []byte
	name        string
	credentials []webauthn.Credential
}

func (u *registeredUser) WebAuthnID() []byte                         { return u.id }
func (u *registeredUser) WebAuthnName() string                       { return u.name }
func (u *registeredUser) WebAuthnDisplayName() string                { return u.name }
func (u *registeredUser) WebAuthnCredentials() []webauthn.Credential  { return u.credentials }
func (u *registeredUser) WebAuthnIcon() string                       { return "" }

var (
	registryMu sync.RWMutex
	instance   *webauthn.WebAuthn
	users      = map[string]*registeredUser{} // keyed by credential ID, b64-encoded

	// ErrPasskeyNotConfigured means a passkey assertion arrived but
	// InitWebAuthn was never called (cmd/shellboxd calls it only when
	// RequirePasskey is set).
	ErrPasskeyNotConfigured = errors.New("credentials: webauthn not configured")
	// ErrUnknownCredential means the assertion names a credential ID the
	// broker has no registered public key for.
	ErrUnknownCredential = errors.New("credentials: unknown passkey credential")
)

// InitWebAuthn configures the relying party. Called once at startup from
// cmd/shellboxd when RequirePasskey or any passkey-bearing registration is
// expected; rpOrigin must match the Origin header clients present.
func InitWebAuthn(rpID, rpDisplayName, rpOrigin string) error {
	w, err := webauthn.New(&webauthn.Config{
		RPID:          rpID,
		RPDisplayName: rpDisplayName,
		RPOrigins:     []string{rpOrigin},
	})
	if err != nil {
		return fmt.Errorf("credentials: configure webauthn: %w", err)
	}
	registryMu.Lock()
	instance = w
	registryMu.Unlock()
	return nil
}

// RegisterCredential stores a previously-attested credential for later
// assertion verification. Provisioning (the attestation ceremony itself)
// happens outside the broker; this just loads the result.
func RegisterCredential(userID, userName string, cred webauthn.Credential) {
	key := base64.RawURLEncoding.EncodeToString(cred.ID)
	registryMu.Lock()
	users[key] = &registeredUser{id: []byte(userID), name: userName, credentials: []webauthn.Credential{cred}}
	registryMu.Unlock()
}

// VerifyAssertion checks a WebAuthn assertion against its registered
// credential and returns a stable identifier (the credential ID) to use as
// the accessToken surrogate in the session's credential hash.
func VerifyAssertion(a PasskeyAssertion) (string, error) {
	registryMu.RLock()
	w := instance
	u, ok := users[a.CredentialID]
	registryMu.RUnlock()

	if w == nil {
		return "", ErrPasskeyNotConfigured
	}
	if !ok {
		return "", ErrUnknownCredential
	}

	parsed, err := protocol.ParseCredentialRequestResponseBytes(a.RawResponse)
	if err != nil {
		return "", fmt.Errorf("credentials: parse passkey assertion: %w", err)
	}

	// A fresh, empty session (no stored challenge) is intentional: the
	// broker's passkey path verifies ownership of a long-lived credential
	// at resume time, not a registration ceremony with a server-issued
	// challenge nonce — callers that need challenge freshness layer it in
	// the envelope above this package.
	if _, err := w.ValidateLogin(u, webauthn.SessionData{}, parsed); err != nil {
		return "", fmt.Errorf("credentials: validate passkey assertion: %w", err)
	}

	return a.CredentialID, nil
}

// credentialRecord is the on-disk shape of one out-of-band-provisioned
// passkey, per SPEC_FULL.md §5. CredentialID and PublicKeyCOSE are
// base64url (no padding), matching how WebAuthn clients encode them.
type credentialRecord struct {
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	CredentialID  string `json:"credentialId"`
	PublicKeyCOSE string `json:"publicKeyCose"`
	SignCount     uint32 `json:"signCount"`
}

// LoadCredentialsFile reads a JSON array of credentialRecord and registers
// each with RegisterCredential. Called once at startup when RequirePasskey
// is set; provisioning the file itself happens out of band.
func LoadCredentialsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("credentials: read passkey credentials file: %w", err)
	}
	var records []credentialRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("credentials: parse passkey credentials file: %w", err)
	}
	for _, r := range records {
		id, err := base64.RawURLEncoding.DecodeString(r.CredentialID)
		if err != nil {
			return fmt.Errorf("credentials: credential %q: decode credentialId: %w", r.UserName, err)
		}
		pub, err := base64.RawURLEncoding.DecodeString(r.PublicKeyCOSE)
		if err != nil {
			return fmt.Errorf("credentials: credential %q: decode publicKeyCose: %w", r.UserName, err)
		}
		RegisterCredential(r.UserID, r.UserName, webauthn.Credential{
			ID:        id,
			PublicKey: pub,
			Authenticator: webauthn.Authenticator{
				SignCount: r.SignCount,
			},
		})
	}
	return nil
}
