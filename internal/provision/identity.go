package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceres-platform/tenant-operator/internal/logging"
	"github.com/ceres-platform/tenant-operator/internal/naming"
	"github.com/ceres-platform/tenant-operator/internal/security"
)

// KeycloakConfig carries the admin endpoint and credentials for the identity
// service. The admin password is used for the password grant only and is
// never placed in logs or status.
type KeycloakConfig struct {
	BaseURL       string
	AdminRealm    string
	AdminUser     string
	AdminPassword string
	Timeout       time.Duration
}

// KeycloakIdentityProvisioner manages realms, users and OAuth clients through
// the Keycloak admin API. Each instance owns its token cache; nothing is
// shared at package scope.
type KeycloakIdentityProvisioner struct {
	cfg        KeycloakConfig
	httpClient *http.Client

	mu           sync.Mutex
	accessToken  string
	tokenExpires time.Time
}

type realmRepresentation struct {
	Realm                string `json:"realm"`
	DisplayName          string `json:"displayName,omitempty"`
	Enabled              bool   `json:"enabled"`
	RememberMe           bool   `json:"rememberMe,omitempty"`
	ResetPasswordAllowed bool   `json:"resetPasswordAllowed,omitempty"`
	VerifyEmail          bool   `json:"verifyEmail,omitempty"`
}

type userRepresentation struct {
	ID            string           `json:"id,omitempty"`
	Username      string           `json:"username"`
	Email         string           `json:"email,omitempty"`
	Enabled       bool             `json:"enabled"`
	EmailVerified bool             `json:"emailVerified,omitempty"`
	Credentials   []credentialRep  `json:"credentials,omitempty"`
	RequiredActs  []string         `json:"requiredActions,omitempty"`
}

type credentialRep struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

type clientRepresentation struct {
	ID                        string   `json:"id,omitempty"`
	ClientID                  string   `json:"clientId"`
	Name                      string   `json:"name,omitempty"`
	Enabled                   bool     `json:"enabled"`
	PublicClient              bool     `json:"publicClient"`
	StandardFlowEnabled       bool     `json:"standardFlowEnabled"`
	DirectAccessGrantsEnabled bool     `json:"directAccessGrantsEnabled"`
	ServiceAccountsEnabled    bool     `json:"serviceAccountsEnabled"`
	RedirectURIs              []string `json:"redirectUris,omitempty"`
}

func NewKeycloakIdentityProvisioner(cfg KeycloakConfig) *KeycloakIdentityProvisioner {
	if cfg.AdminRealm == "" {
		cfg.AdminRealm = "master"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &KeycloakIdentityProvisioner{
		cfg: KeycloakConfig{
			BaseURL:       strings.TrimRight(cfg.BaseURL, "/"),
			AdminRealm:    cfg.AdminRealm,
			AdminUser:     cfg.AdminUser,
			AdminPassword: cfg.AdminPassword,
			Timeout:       cfg.Timeout,
		},
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// ensureToken refreshes the cached admin token via password grant when it is
// missing or within 30s of expiry.
func (p *KeycloakIdentityProvisioner) ensureToken(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.tokenExpires.Add(-30*time.Second)) {
		return nil
	}

	tokenURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", p.cfg.BaseURL, p.cfg.AdminRealm)
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", "admin-cli")
	form.Set("username", p.cfg.AdminUser)
	form.Set("password", p.cfg.AdminPassword)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Covers 401 on stale admin credentials and 5xx during a restart;
		// either way the identity service is unusable until it recovers.
		return Unavailablef(StepIdentity, "identity token request failed: %s", resp.Status)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return fmt.Errorf("parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return errors.New("token response missing access_token")
	}
	p.accessToken = tok.AccessToken
	p.tokenExpires = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return nil
}

func (p *KeycloakIdentityProvisioner) token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accessToken
}

// do performs an authenticated admin request and returns status + body.
func (p *KeycloakIdentityProvisioner) do(ctx context.Context, method, path string, reqBody, respBody any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if err := p.ensureToken(ctx); err != nil {
		return 0, err
	}

	var reader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+p.token())
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if respBody != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 && len(raw) > 0 {
		if err := json.Unmarshal(raw, respBody); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// EnsureRealm creates the tenant realm if absent. An existing enabled realm is
// a no-op success; an existing disabled realm is a RealmConflict that needs
// operator intervention.
func (p *KeycloakIdentityProvisioner) EnsureRealm(ctx context.Context, t Tenant) (RealmRef, error) {
	realm := t.RealmName
	if realm == "" {
		realm = naming.RealmName(t.ID)
	}
	if err := naming.ValidateTenantID(realm); err != nil {
		return RealmRef{}, Validationf(StepIdentity, "realmName: %v", err)
	}

	var existing realmRepresentation
	status, err := p.do(ctx, http.MethodGet, "/admin/realms/"+realm, nil, &existing)
	if err != nil {
		return RealmRef{}, classifyHTTPError(StepIdentity, "get realm", err)
	}
	switch {
	case status == http.StatusOK && existing.Enabled:
		return RealmRef{Name: realm}, nil
	case status == http.StatusOK:
		return RealmRef{}, Conflictf(StepIdentity, ReasonRealmConflict,
			"realm %q exists but is disabled", realm)
	case status == http.StatusNotFound:
		// fall through to create
	case status >= 500:
		return RealmRef{}, Unavailablef(StepIdentity, "get realm: status %d", status)
	default:
		return RealmRef{}, Unknownf(StepIdentity, "get realm: status %d", status)
	}

	rep := realmRepresentation{
		Realm:                realm,
		DisplayName:          t.DisplayName,
		Enabled:              true,
		RememberMe:           true,
		ResetPasswordAllowed: true,
		VerifyEmail:          true,
	}
	status, err = p.do(ctx, http.MethodPost, "/admin/realms", rep, nil)
	if err != nil {
		return RealmRef{}, classifyHTTPError(StepIdentity, "create realm", err)
	}
	switch {
	case status == http.StatusCreated || status == http.StatusNoContent:
		logging.L.Info("realm created", zap.String("realm", realm), zap.String("tenant", t.ID))
		return RealmRef{Name: realm}, nil
	case status == http.StatusConflict:
		// Lost a race or a disabled realm holds the name; re-check.
		var again realmRepresentation
		if st, err := p.do(ctx, http.MethodGet, "/admin/realms/"+realm, nil, &again); err == nil && st == http.StatusOK && again.Enabled {
			return RealmRef{Name: realm}, nil
		}
		return RealmRef{}, Conflictf(StepIdentity, ReasonRealmConflict,
			"realm name %q is taken by a disabled realm", realm)
	case status >= 500:
		return RealmRef{}, Unavailablef(StepIdentity, "create realm: status %d", status)
	default:
		return RealmRef{}, Unknownf(StepIdentity, "create realm: status %d", status)
	}
}

// EnsureAdminUser creates the tenant's bootstrap admin with a temporary
// must-change credential. Only an opaque reference leaves this function; the
// generated credential does not.
func (p *KeycloakIdentityProvisioner) EnsureAdminUser(ctx context.Context, t Tenant, realm RealmRef) (UserRef, error) {
	username := t.AdminUsername
	if username == "" {
		if at := strings.Index(t.AdminEmail, "@"); at > 0 {
			username = t.AdminEmail[:at]
		}
	}
	if username == "" {
		return UserRef{}, Validationf(StepIdentity, "adminUsername is required")
	}

	query := url.Values{}
	query.Set("username", username)
	query.Set("exact", "true")
	var found []userRepresentation
	status, err := p.do(ctx, http.MethodGet, fmt.Sprintf("/admin/realms/%s/users?%s", realm.Name, query.Encode()), nil, &found)
	if err != nil {
		return UserRef{}, classifyHTTPError(StepIdentity, "search user", err)
	}
	if status == http.StatusOK && len(found) > 0 {
		return UserRef{ID: found[0].ID, Username: username}, nil
	}
	if status >= 500 {
		return UserRef{}, Unavailablef(StepIdentity, "search user: status %d", status)
	}

	tempPassword, err := security.TempPassword()
	if err != nil {
		return UserRef{}, Unknownf(StepIdentity, "generate credential: %v", err)
	}
	rep := userRepresentation{
		Username:      username,
		Email:         t.AdminEmail,
		Enabled:       true,
		EmailVerified: false,
		Credentials:   []credentialRep{{Type: "password", Value: tempPassword, Temporary: true}},
		RequiredActs:  []string{"UPDATE_PASSWORD"},
	}
	status, err = p.do(ctx, http.MethodPost, fmt.Sprintf("/admin/realms/%s/users", realm.Name), rep, nil)
	if err != nil {
		return UserRef{}, classifyHTTPError(StepIdentity, "create user", err)
	}
	switch {
	case status == http.StatusCreated:
	case status == http.StatusConflict:
		// Created concurrently; resolve the reference by lookup.
	case status >= 500:
		return UserRef{}, Unavailablef(StepIdentity, "create user: status %d", status)
	default:
		return UserRef{}, Unknownf(StepIdentity, "create user: status %d", status)
	}

	status, err = p.do(ctx, http.MethodGet, fmt.Sprintf("/admin/realms/%s/users?%s", realm.Name, query.Encode()), nil, &found)
	if err != nil {
		return UserRef{}, classifyHTTPError(StepIdentity, "lookup created user", err)
	}
	if status != http.StatusOK || len(found) == 0 || found[0].ID == "" {
		return UserRef{}, Unknownf(StepIdentity, "created user %q not retrievable", username)
	}
	ref := UserRef{ID: found[0].ID, Username: username}

	// Best-effort account-setup email; provisioning does not fail on it.
	if err := p.sendSetupEmail(ctx, realm.Name, ref.ID); err != nil {
		logging.L.Warn("setup email not sent",
			zap.String("realm", realm.Name), zap.String("user", username), zap.Error(err))
	}
	logging.L.Info("admin user created", zap.String("realm", realm.Name), zap.String("user", username))
	return ref, nil
}

func (p *KeycloakIdentityProvisioner) sendSetupEmail(ctx context.Context, realm, userID string) error {
	path := fmt.Sprintf("/admin/realms/%s/users/%s/execute-actions-email", realm, userID)
	status, err := p.do(ctx, http.MethodPut, path, []string{"UPDATE_PASSWORD"}, nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("status %d", status)
	}
	return nil
}

// EnsureClient creates the tenant application's confidential OAuth client.
// Already present is success.
func (p *KeycloakIdentityProvisioner) EnsureClient(ctx context.Context, t Tenant, realm RealmRef, redirectURIs []string) error {
	clientID := t.ID + "-app"

	query := url.Values{}
	query.Set("clientId", clientID)
	var found []clientRepresentation
	status, err := p.do(ctx, http.MethodGet, fmt.Sprintf("/admin/realms/%s/clients?%s", realm.Name, query.Encode()), nil, &found)
	if err != nil {
		return classifyHTTPError(StepIdentity, "search client", err)
	}
	if status == http.StatusOK && len(found) > 0 {
		return nil
	}

	rep := clientRepresentation{
		ClientID:                  clientID,
		Name:                      t.DisplayName,
		Enabled:                   true,
		PublicClient:              false,
		StandardFlowEnabled:       true,
		DirectAccessGrantsEnabled: true,
		ServiceAccountsEnabled:    true,
		RedirectURIs:              redirectURIs,
	}
	status, err = p.do(ctx, http.MethodPost, fmt.Sprintf("/admin/realms/%s/clients", realm.Name), rep, nil)
	if err != nil {
		return classifyHTTPError(StepIdentity, "create client", err)
	}
	switch {
	case status == http.StatusCreated, status == http.StatusConflict:
		return nil
	case status >= 500:
		return Unavailablef(StepIdentity, "create client: status %d", status)
	default:
		return Unknownf(StepIdentity, "create client: status %d", status)
	}
}

// DeleteRealm removes the tenant realm during teardown. Already gone is
// success.
func (p *KeycloakIdentityProvisioner) DeleteRealm(ctx context.Context, name string) error {
	status, err := p.do(ctx, http.MethodDelete, "/admin/realms/"+name, nil, nil)
	if err != nil {
		return classifyHTTPError(StepIdentity, "delete realm", err)
	}
	switch {
	case status == http.StatusNoContent, status == http.StatusNotFound:
		return nil
	case status >= 500:
		return Unavailablef(StepIdentity, "delete realm: status %d", status)
	default:
		return Unknownf(StepIdentity, "delete realm: status %d", status)
	}
}

// classifyHTTPError maps transport-level failures: already-typed errors pass
// through, timeouts and connection errors are Unavailable, the rest Unknown.
func classifyHTTPError(step, op string, err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	var ne interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return Unavailablef(step, "%s: timeout: %v", op, err)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return Unavailablef(step, "%s: %v", op, err)
	}
	return Unknownf(step, "%s: %v", op, err)
}
