// Package auth builds the authentication tokens sent during the Bolt
// HELLO/LOGON exchange. Tokens are rendered into the metadata map the
// protocol expects; credentials are forwarded verbatim, never
// processed client-side.
package auth

// Token is an authentication token for a Bolt server.
type Token struct {
	// tokens map directly to the wire representation
	scheme      string
	principal   string
	credentials string
	realm       string
	parameters  map[string]any
}

// Basic returns a username/password token. realm is optional and
// usually empty.
func Basic(username, password, realm string) Token {
	return Token{
		scheme:      "basic",
		principal:   username,
		credentials: password,
		realm:       realm,
	}
}

// Bearer returns a token for SSO-issued bearer credentials.
func Bearer(token string) Token {
	return Token{
		scheme:      "bearer",
		credentials: token,
	}
}

// Kerberos returns a token carrying a base64-encoded Kerberos ticket.
func Kerberos(ticket string) Token {
	return Token{
		scheme:      "kerberos",
		credentials: ticket,
	}
}

// Custom returns a token for a server-side custom authentication
// provider.
func Custom(scheme, principal, credentials, realm string, parameters map[string]any) Token {
	return Token{
		scheme:      scheme,
		principal:   principal,
		credentials: credentials,
		realm:       realm,
		parameters:  parameters,
	}
}

// None returns the token for servers with authentication disabled.
func None() Token {
	return Token{scheme: "none"}
}

// Map renders the token into HELLO/LOGON metadata.
func (t Token) Map() map[string]any {
	if t.scheme == "" {
		t.scheme = "none"
	}
	m := map[string]any{"scheme": t.scheme}
	if t.principal != "" {
		m["principal"] = t.principal
	}
	if t.credentials != "" {
		m["credentials"] = t.credentials
	}
	if t.realm != "" {
		m["realm"] = t.realm
	}
	if len(t.parameters) > 0 {
		m["parameters"] = t.parameters
	}
	return m
}
