// Package client is a small Go client for the tenant management API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type Client struct {
	base  string
	http  *http.Client
	token string
}

func New(base, token string) *Client {
	return &Client{base: trim(base), http: http.DefaultClient, token: token}
}

func trim(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}

func (c *Client) req(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var br *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		br = bytes.NewReader(b)
	} else {
		br = bytes.NewReader(nil)
	}
	u, _ := url.Parse(c.base + path)
	req, _ := http.NewRequestWithContext(ctx, method, u.String(), br)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Tenant mirrors the API's tenant representation.
type Tenant struct {
	TenantID    string     `json:"tenantId"`
	DisplayName string     `json:"displayName,omitempty"`
	AdminEmail  string     `json:"adminEmail"`
	Plan        string     `json:"plan"`
	Namespace   string     `json:"namespace"`
	RealmName   string     `json:"realmName"`
	Phase       string     `json:"phase"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// CreateTenantRequest is the create payload.
type CreateTenantRequest struct {
	TenantID      string `json:"tenantId"`
	DisplayName   string `json:"displayName,omitempty"`
	AdminUsername string `json:"adminUsername,omitempty"`
	AdminEmail    string `json:"adminEmail"`
	Plan          string `json:"plan,omitempty"`
}

// TenantStatus mirrors the status endpoint payload.
type TenantStatus struct {
	TenantID         string      `json:"tenantId"`
	Phase            string      `json:"phase"`
	Conditions       []Condition `json:"conditions"`
	ResourcesCreated []string    `json:"resourcesCreated"`
	ProvisionedAt    *time.Time  `json:"provisionedAt,omitempty"`
	LastUpdated      *time.Time  `json:"lastUpdated,omitempty"`
}

type Condition struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func (c *Client) CreateTenant(ctx context.Context, in CreateTenantRequest) (Tenant, error) {
	req, _ := c.req(ctx, http.MethodPost, "/api/v1/tenants", in)
	resp, err := c.http.Do(req)
	if err != nil {
		return Tenant{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Tenant{}, apiError(resp)
	}
	var v Tenant
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Tenant{}, err
	}
	return v, nil
}

func (c *Client) ListTenants(ctx context.Context) ([]Tenant, error) {
	req, _ := c.req(ctx, http.MethodGet, "/api/v1/tenants", nil)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, apiError(resp)
	}
	var v []Tenant
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Client) GetTenant(ctx context.Context, tenantID string) (Tenant, error) {
	req, _ := c.req(ctx, http.MethodGet, "/api/v1/tenants/"+url.PathEscape(tenantID), nil)
	resp, err := c.http.Do(req)
	if err != nil {
		return Tenant{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Tenant{}, apiError(resp)
	}
	var v Tenant
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Tenant{}, err
	}
	return v, nil
}

func (c *Client) GetTenantStatus(ctx context.Context, tenantID string) (TenantStatus, error) {
	req, _ := c.req(ctx, http.MethodGet, "/api/v1/tenants/"+url.PathEscape(tenantID)+"/status", nil)
	resp, err := c.http.Do(req)
	if err != nil {
		return TenantStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return TenantStatus{}, apiError(resp)
	}
	var v TenantStatus
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return TenantStatus{}, err
	}
	return v, nil
}

func (c *Client) DeleteTenant(ctx context.Context, tenantID string) error {
	req, _ := c.req(ctx, http.MethodDelete, "/api/v1/tenants/"+url.PathEscape(tenantID), nil)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Code != "" {
		return fmt.Errorf("%s: %s", body.Code, body.Message)
	}
	return fmt.Errorf("status %s", resp.Status)
}
