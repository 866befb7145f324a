package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/morezero/edge-cluster-frontend/pkg/cluster"
)

const logPrefix = "bootstrap:loader"

// LoadSeedConfig loads the seed from the first readable path. Explicit paths
// are tried first, then EDGE_SEED_FILE, then config/seed.json and seed.json.
// When none exists the built-in demo seed is returned.
func LoadSeedConfig(paths ...string) (*SeedConfig, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	explicit := len(all)
	if envPath := os.Getenv("EDGE_SEED_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/seed.json", "seed.json")

	for i, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			// A path given explicitly must exist.
			if i < explicit {
				return nil, fmt.Errorf("%s - read seed %s: %w", logPrefix, p, err)
			}
			continue
		}

		var cfg SeedConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s - parse seed %s: %w", logPrefix, p, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s - invalid seed %s: %w", logPrefix, p, err)
		}
		slog.Info(fmt.Sprintf("%s - Loaded seed %q from %s", logPrefix, cfg.Name, p))
		return &cfg, nil
	}

	slog.Info(fmt.Sprintf("%s - Using built-in demo seed", logPrefix))
	return GetDefaultSeedConfig(), nil
}

// Validate checks ids, types and references inside the seed.
func (c *SeedConfig) Validate() error {
	var errs []error

	users := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.Name == "" || u.Password == "" {
			errs = append(errs, fmt.Errorf("user %q needs a name and a password", u.Name))
		}
		users[u.Name] = true
	}
	ownerKnown := func(owner string) bool { return owner == "" || users[owner] }

	docs := make(map[int]bool, len(c.Documents))
	for _, d := range c.Documents {
		if docs[d.ID] {
			errs = append(errs, fmt.Errorf("duplicate document id %d", d.ID))
		}
		docs[d.ID] = true
		if _, err := d.DocumentType(); err != nil {
			errs = append(errs, err)
		}
		if !ownerKnown(d.Owner) {
			errs = append(errs, fmt.Errorf("document %d owned by unknown user %q", d.ID, d.Owner))
		}
	}

	vms := make(map[int]bool, len(c.VMs))
	for _, vm := range c.VMs {
		if vms[vm.ID] {
			errs = append(errs, fmt.Errorf("duplicate vm id %d", vm.ID))
		}
		vms[vm.ID] = true
		if !ownerKnown(vm.Owner) {
			errs = append(errs, fmt.Errorf("vm %d owned by unknown user %q", vm.ID, vm.Owner))
		}
		if vm.CPU != nil && (*vm.CPU < 0 || *vm.CPU > 100) {
			errs = append(errs, fmt.Errorf("vm %d cpu %.1f outside 0..100", vm.ID, *vm.CPU))
		}
	}

	for _, s := range c.Services {
		if s.Flavour == "" {
			errs = append(errs, fmt.Errorf("service %d has no flavour", s.ID))
		}
		for _, n := range s.Nodes {
			if !vms[n] {
				errs = append(errs, fmt.Errorf("service %d references unknown vm %d", s.ID, n))
			}
		}
	}
	return errors.Join(errs...)
}

func cpu(v float64) *float64 { return &v }

// GetDefaultSeedConfig returns a small demo cluster: one user, function 42,
// requirement 7 with flavour gpu and two gpu workers.
func GetDefaultSeedConfig() *SeedConfig {
	return &SeedConfig{
		Name:    "edge-cluster-demo",
		Version: "1.0.0",
		Users: []SeedUser{
			{Name: "oneadmin", Password: "opennebula"},
		},
		Documents: []SeedDocument{
			{
				ID:    42,
				Type:  cluster.DocumentFunction.String(),
				Name:  "sum",
				Owner: "oneadmin",
				Template: map[string]interface{}{
					"LANG":    "PY",
					"FC":      "ZGVmIHN1bShhLCBiKToKICAgIHJldHVybiBhICsgYgo=",
					"FC_HASH": "6a5a1d8f",
				},
			},
			{
				ID:    7,
				Type:  cluster.DocumentAppRequirement.String(),
				Name:  "gpu-requirement",
				Owner: "oneadmin",
				Template: map[string]interface{}{
					"FLAVOUR":         "gpu",
					"RUNTIME_VERSION": "^1.0",
				},
			},
		},
		VMs: []SeedVM{
			{
				ID:       1,
				Name:     "FAAS_0_(service_10)",
				Owner:    "oneadmin",
				State:    cluster.VMStateRunning,
				Template: map[string]interface{}{"NIC": []interface{}{map[string]interface{}{"IP": "192.168.1.10"}}},
				CPU:      cpu(45),
			},
			{
				ID:       2,
				Name:     "FAAS_1_(service_10)",
				Owner:    "oneadmin",
				State:    cluster.VMStateRunning,
				Template: map[string]interface{}{"NIC": []interface{}{map[string]interface{}{"IP": "192.168.1.11"}}},
				CPU:      cpu(8),
			},
		},
		Services: []SeedService{
			{ID: 10, Name: "serverless-runtime-gpu", Flavour: "gpu", State: cluster.ServiceStateRunning, RuntimeVersion: "1.2.0", Nodes: []int{1, 2}},
		},
	}
}
