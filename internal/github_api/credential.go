package githubapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/internal/model"
	"golang.org/x/oauth2"
)

// Scope is the permission a call needs.
type Scope string

const (
	ScopeRepository   Scope = cfg.ScopeRepository
	ScopeCodeScanning Scope = cfg.ScopeCodeScanning
)

// ScopeFor maps an entity kind onto the scope its endpoints require.
func ScopeFor(kind model.EntityKind) Scope {
	if kind == model.KindVulnerabilities {
		return ScopeCodeScanning
	}
	return ScopeRepository
}

type CredentialKind string

const (
	CredentialInstallation CredentialKind = "installation"
	CredentialUser         CredentialKind = "user"
	CredentialOAuthApp     CredentialKind = "oauth_app"
	CredentialAnonymous    CredentialKind = "anonymous"
)

// fallbackOrder is the order kinds are tried in for every scope.
var fallbackOrder = []CredentialKind{
	CredentialInstallation,
	CredentialUser,
	CredentialOAuthApp,
	CredentialAnonymous,
}

var ErrNoCredential = errors.New("no credential grants the required scope")

type Credential struct {
	Name           string
	Kind           CredentialKind
	Token          string
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	Scopes         []Scope
}

// Grants reports whether the credential may be used for scope. A credential
// without declared scopes only reads repository data.
func (c Credential) Grants(scope Scope) bool {
	if len(c.Scopes) == 0 {
		return scope == ScopeRepository
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// SelectCredential picks the first credential granting scope, trying
// installations, then user tokens, then OAuth app tokens, then anonymous access.
// Within a kind the configured order wins.
func SelectCredential(credentials []Credential, scope Scope) (Credential, error) {
	for _, kind := range fallbackOrder {
		for _, c := range credentials {
			if c.Kind == kind && c.Grants(scope) {
				return c, nil
			}
		}
	}
	return Credential{}, fmt.Errorf("%s: %w", scope, ErrNoCredential)
}

// parseScopes accepts GitHub scope names (repo, security_events) as well as
// the internal ones. Unknown names are dropped; cfg.Validate reports them.
func parseScopes(raw []string) []Scope {
	scopes := make([]Scope, 0, len(raw))
	for _, s := range raw {
		if scope, ok := cfg.CanonicalScope(s); ok {
			scopes = append(scopes, Scope(scope))
		}
	}
	return scopes
}

// CredentialsFromConfig lists every configured credential. With nothing
// configured, anonymous access to public repositories is all that is left.
func CredentialsFromConfig(config *cfg.Config) []Credential {
	var creds []Credential
	if app := config.GithubApi.App; app.AppID != 0 && app.InstallationID != 0 {
		creds = append(creds, Credential{
			Name:           fmt.Sprintf("app-%d", app.AppID),
			Kind:           CredentialInstallation,
			AppID:          app.AppID,
			InstallationID: app.InstallationID,
			PrivateKeyPath: app.PrivateKeyPath,
			Scopes:         parseScopes(app.Scopes),
		})
	}
	for i, t := range config.GithubApi.Tokens {
		if t.Token == "" {
			continue
		}
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		kind := CredentialKind(t.Kind)
		if kind == "" {
			kind = CredentialUser
		}
		creds = append(creds, Credential{
			Name:   name,
			Kind:   kind,
			Token:  t.Token,
			Scopes: parseScopes(t.Scopes),
		})
	}
	if len(creds) == 0 {
		creds = append(creds, Credential{Name: "anonymous", Kind: CredentialAnonymous})
	}
	return creds
}

// Transport wraps base with the credential's authentication.
func (c Credential) Transport(base http.RoundTripper, apiURL string) (http.RoundTripper, error) {
	switch {
	case c.AppID != 0:
		tr, err := ghinstallation.NewKeyFromFile(base, c.AppID, c.InstallationID, c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("github app %d: %w", c.AppID, err)
		}
		if apiURL != "" {
			tr.BaseURL = strings.TrimSuffix(apiURL, "/")
		}
		return tr, nil
	case c.Token != "":
		return &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.Token}),
			Base:   base,
		}, nil
	default:
		return base, nil
	}
}
