package broker

// authEnvelope is the first client message on every connection, per
// spec.md §6. Presence of SessionID distinguishes a resume from a new
// session.
type authEnvelope struct {
	APIKey           string                    `json:"apiKey,omitempty"`
	AccessToken      string                    `json:"accessToken,omitempty"`
	SessionID        string                    `json:"sessionId,omitempty"`
	ClientContext    clientContext             `json:"clientContext,omitempty"`
	PasskeyAssertion *wirePasskeyAssertion     `json:"passkeyAssertion,omitempty"`
}

type clientContext struct {
	UserAgent string `json:"userAgent,omitempty"`
}

type wirePasskeyAssertion struct {
	CredentialID string `json:"credentialId"`
	RawResponse  []byte `json:"rawResponse"`
}

// errorEnvelope is the client-visible error shape from spec.md §7:
// {type:"status", payload:"error", reason}.
type errorEnvelope struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Reason  string `json:"reason"`
}
