// Package bootstrap loads the inventory seed used to populate the edge
// cluster store: users, function and requirement documents, worker VMs and
// serverless runtime services.
package bootstrap

import (
	"fmt"
	"strings"

	"github.com/morezero/edge-cluster-frontend/pkg/cluster"
)

// SeedUser is an inventory account. Passwords are hashed when seeded.
type SeedUser struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// SeedDocument is a FUNCTION or APP_REQUIREMENT document.
type SeedDocument struct {
	ID       int                    `json:"id"`
	Type     string                 `json:"type"`
	Name     string                 `json:"name,omitempty"`
	Owner    string                 `json:"owner,omitempty"`
	Public   bool                   `json:"public,omitempty"`
	Template map[string]interface{} `json:"template"`
}

// DocumentType maps the type name (or numeric code) to a cluster.DocumentType.
func (d SeedDocument) DocumentType() (cluster.DocumentType, error) {
	switch strings.ToUpper(strings.TrimSpace(d.Type)) {
	case "FUNCTION", "1339":
		return cluster.DocumentFunction, nil
	case "APP_REQUIREMENT", "1338":
		return cluster.DocumentAppRequirement, nil
	default:
		return 0, fmt.Errorf("document %d has unknown type %q", d.ID, d.Type)
	}
}

// SeedVM is a worker VM with an optional initial CPU sample.
type SeedVM struct {
	ID       int                    `json:"id"`
	Name     string                 `json:"name"`
	Owner    string                 `json:"owner,omitempty"`
	State    int                    `json:"state,omitempty"`
	Template map[string]interface{} `json:"template"`
	CPU      *float64               `json:"cpu,omitempty"`
}

// SeedService is a serverless runtime service and its role nodes.
type SeedService struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Flavour        string `json:"flavour"`
	State          string `json:"state,omitempty"`
	RuntimeVersion string `json:"runtime_version,omitempty"`
	Nodes          []int  `json:"nodes"`
}

// SeedConfig is the root seed document.
type SeedConfig struct {
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	Users     []SeedUser     `json:"users"`
	Documents []SeedDocument `json:"documents"`
	VMs       []SeedVM       `json:"vms"`
	Services  []SeedService  `json:"services"`
}
