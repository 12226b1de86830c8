package provision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// fakeKeycloak is a minimal admin API double: token endpoint, realms, users.
type fakeKeycloak struct {
	mux        *http.ServeMux
	realms     map[string]*realmRepresentation
	users      map[string][]userRepresentation // realm -> users
	clients    map[string][]clientRepresentation
	tokenCalls int
	emailCalls int
	createReqs int
}

func newFakeKeycloak() *fakeKeycloak {
	f := &fakeKeycloak{
		mux:     http.NewServeMux(),
		realms:  map[string]*realmRepresentation{},
		users:   map[string][]userRepresentation{},
		clients: map[string][]clientRepresentation{},
	}
	f.mux.HandleFunc("/realms/master/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls++
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "password" || r.PostForm.Get("client_id") != "admin-cli" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "test-token", "expires_in": 300})
	})
	f.mux.HandleFunc("/admin/realms", func(w http.ResponseWriter, r *http.Request) {
		if !f.authed(w, r) {
			return
		}
		var rep realmRepresentation
		_ = json.NewDecoder(r.Body).Decode(&rep)
		if _, ok := f.realms[rep.Realm]; ok {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.realms[rep.Realm] = &rep
		w.WriteHeader(http.StatusCreated)
	})
	f.mux.HandleFunc("/admin/realms/", func(w http.ResponseWriter, r *http.Request) {
		if !f.authed(w, r) {
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/admin/realms/")
		parts := strings.Split(rest, "/")
		realm := parts[0]

		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			rep, ok := f.realms[realm]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(rep)
		case len(parts) == 1 && r.Method == http.MethodDelete:
			if _, ok := f.realms[realm]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.realms, realm)
			w.WriteHeader(http.StatusNoContent)
		case len(parts) == 2 && parts[1] == "users" && r.Method == http.MethodGet:
			name := r.URL.Query().Get("username")
			out := []userRepresentation{}
			for _, u := range f.users[realm] {
				if u.Username == name {
					out = append(out, u)
				}
			}
			_ = json.NewEncoder(w).Encode(out)
		case len(parts) == 2 && parts[1] == "users" && r.Method == http.MethodPost:
			f.createReqs++
			var u userRepresentation
			_ = json.NewDecoder(r.Body).Decode(&u)
			for _, existing := range f.users[realm] {
				if existing.Username == u.Username {
					w.WriteHeader(http.StatusConflict)
					return
				}
			}
			u.ID = uuid.NewString()
			f.users[realm] = append(f.users[realm], u)
			w.WriteHeader(http.StatusCreated)
		case len(parts) == 4 && parts[1] == "users" && parts[3] == "execute-actions-email":
			f.emailCalls++
			w.WriteHeader(http.StatusNoContent)
		case len(parts) == 2 && parts[1] == "clients" && r.Method == http.MethodGet:
			id := r.URL.Query().Get("clientId")
			out := []clientRepresentation{}
			for _, c := range f.clients[realm] {
				if c.ClientID == id {
					out = append(out, c)
				}
			}
			_ = json.NewEncoder(w).Encode(out)
		case len(parts) == 2 && parts[1] == "clients" && r.Method == http.MethodPost:
			var c clientRepresentation
			_ = json.NewDecoder(r.Body).Decode(&c)
			c.ID = uuid.NewString()
			f.clients[realm] = append(f.clients[realm], c)
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	return f
}

func (f *fakeKeycloak) authed(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer test-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func newTestIdentity(t *testing.T) (*KeycloakIdentityProvisioner, *fakeKeycloak) {
	t.Helper()
	fake := newFakeKeycloak()
	srv := httptest.NewServer(fake.mux)
	t.Cleanup(srv.Close)
	p := NewKeycloakIdentityProvisioner(KeycloakConfig{
		BaseURL:       srv.URL,
		AdminUser:     "admin",
		AdminPassword: "admin-pw",
	})
	return p, fake
}

func TestEnsureRealmCreatesOnce(t *testing.T) {
	p, fake := newTestIdentity(t)
	tn := testTenant()

	ref, err := p.EnsureRealm(context.Background(), tn)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if ref.Name != "acme-corp" {
		t.Fatalf("ref: %s", ref.Name)
	}
	again, err := p.EnsureRealm(context.Background(), tn)
	if err != nil {
		t.Fatalf("repeat ensure: %v", err)
	}
	if again != ref {
		t.Fatalf("refs differ: %v vs %v", ref, again)
	}
	if len(fake.realms) != 1 {
		t.Fatalf("expected one realm, got %d", len(fake.realms))
	}
	// The token should have been fetched once and cached.
	if fake.tokenCalls != 1 {
		t.Fatalf("token calls: %d", fake.tokenCalls)
	}
}

func TestEnsureRealmDisabledIsConflict(t *testing.T) {
	p, fake := newTestIdentity(t)
	fake.realms["acme-corp"] = &realmRepresentation{Realm: "acme-corp", Enabled: false}

	_, err := p.EnsureRealm(context.Background(), testTenant())
	if err == nil {
		t.Fatal("expected RealmConflict")
	}
	if KindOf(err) != KindConflict || ReasonOf(err) != ReasonRealmConflict {
		t.Fatalf("kind=%s reason=%s", KindOf(err), ReasonOf(err))
	}
}

func TestEnsureRealmInvalidNameIsValidation(t *testing.T) {
	p, _ := newTestIdentity(t)
	tn := testTenant()
	tn.RealmName = "Bad Realm!"

	_, err := p.EnsureRealm(context.Background(), tn)
	if err == nil || KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEnsureAdminUserIdempotent(t *testing.T) {
	p, fake := newTestIdentity(t)
	tn := testTenant()

	realm, err := p.EnsureRealm(context.Background(), tn)
	if err != nil {
		t.Fatalf("realm: %v", err)
	}
	ref, err := p.EnsureAdminUser(context.Background(), tn, realm)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if ref.ID == "" || ref.Username != "owner" {
		t.Fatalf("ref: %+v", ref)
	}
	again, err := p.EnsureAdminUser(context.Background(), tn, realm)
	if err != nil {
		t.Fatalf("repeat user: %v", err)
	}
	if again.ID != ref.ID {
		t.Fatalf("user recreated: %s vs %s", again.ID, ref.ID)
	}
	if fake.createReqs != 1 {
		t.Fatalf("create requests: %d", fake.createReqs)
	}
	if fake.emailCalls != 1 {
		t.Fatalf("email calls: %d", fake.emailCalls)
	}
	// Spec: the temporary credential never appears in the opaque reference.
	if strings.Contains(ref.ID+ref.Username, "password") {
		t.Fatal("credential leaked into reference")
	}
}

func TestEnsureAdminUserCreatesTemporaryCredential(t *testing.T) {
	p, fake := newTestIdentity(t)
	tn := testTenant()

	realm, _ := p.EnsureRealm(context.Background(), tn)
	if _, err := p.EnsureAdminUser(context.Background(), tn, realm); err != nil {
		t.Fatalf("user: %v", err)
	}
	users := fake.users["acme-corp"]
	if len(users) != 1 {
		t.Fatalf("users: %d", len(users))
	}
	creds := users[0].Credentials
	if len(creds) != 1 || !creds[0].Temporary || creds[0].Type != "password" || creds[0].Value == "" {
		t.Fatalf("credentials: %+v", creds)
	}
}

func TestEnsureClientIdempotent(t *testing.T) {
	p, fake := newTestIdentity(t)
	tn := testTenant()

	realm, _ := p.EnsureRealm(context.Background(), tn)
	uris := []string{"https://acme-corp.example.com/callback"}
	if err := p.EnsureClient(context.Background(), tn, realm, uris); err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := p.EnsureClient(context.Background(), tn, realm, uris); err != nil {
		t.Fatalf("repeat client: %v", err)
	}
	if len(fake.clients["acme-corp"]) != 1 {
		t.Fatalf("clients: %d", len(fake.clients["acme-corp"]))
	}
}

func TestDeleteRealmIdempotent(t *testing.T) {
	p, _ := newTestIdentity(t)
	tn := testTenant()

	if _, err := p.EnsureRealm(context.Background(), tn); err != nil {
		t.Fatalf("realm: %v", err)
	}
	if err := p.DeleteRealm(context.Background(), "acme-corp"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := p.DeleteRealm(context.Background(), "acme-corp"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestServerErrorsAreUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/token") {
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "test-token", "expires_in": 300})
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewKeycloakIdentityProvisioner(KeycloakConfig{BaseURL: srv.URL, AdminUser: "a", AdminPassword: "b"})
	_, err := p.EnsureRealm(context.Background(), testTenant())
	if err == nil || KindOf(err) != KindUnavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestTokenRejectionIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewKeycloakIdentityProvisioner(KeycloakConfig{BaseURL: srv.URL, AdminUser: "a", AdminPassword: "wrong"})
	_, err := p.EnsureRealm(context.Background(), testTenant())
	if err == nil || KindOf(err) != KindUnavailable {
		t.Fatalf("expected Unavailable on rejected token grant, got %v", err)
	}
}
