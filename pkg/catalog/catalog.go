// Package catalog embeds the subscription plan definitions served by the
// management API. Plan names must stay in sync with the Tenant API's accepted
// plan values.
package catalog

import (
	"embed"
	"encoding/json"
	"fmt"
)

//go:embed plans.json
var fs embed.FS

// Plan describes a subscription tier and its resource envelope.
type Plan struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"displayName"`
	// MaxUsers is the admin-user cap for the tenant's realm; 0 means unlimited.
	MaxUsers int               `json:"maxUsers"`
	Quotas   map[string]string `json:"quotas"`
}

// Plans decodes the embedded plan catalog.
func Plans() ([]Plan, error) {
	raw, err := fs.ReadFile("plans.json")
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	var plans []Plan
	if err := json.Unmarshal(raw, &plans); err != nil {
		return nil, fmt.Errorf("decode plan catalog: %w", err)
	}
	return plans, nil
}
