package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mini-rodalies-3d/tracker/internal/network"
)

// Adapters holds the tuning of every network.
type Adapters map[network.NetworkType]network.Adapter

// DefaultAdapters returns the built-in tuning of all networks.
func DefaultAdapters() Adapters {
	out := make(Adapters)
	for _, nt := range network.AllNetworks() {
		out[nt] = network.DefaultAdapter(nt)
	}
	return out
}

// LoadNetworkAdapters reads per-network overrides from a YAML file keyed by
// network name. Fields not present in the file keep their defaults. An empty
// path returns the defaults.
//
//	rodalies:
//	  max_parking_slots: 6
//	  predictive:
//	    enabled: true
//	    gps_stale_threshold: 90s
func LoadNetworkAdapters(path string) (Adapters, error) {
	adapters := DefaultAdapters()
	if path == "" {
		return adapters, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read network config: %w", err)
	}
	if err := adapters.decode(data); err != nil {
		return nil, err
	}
	return adapters, nil
}

func (a Adapters) decode(data []byte) error {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse network config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	for name, node := range raw {
		nt, err := network.ParseNetworkType(name)
		if err != nil {
			return err
		}

		adapter := a[nt]
		if err := node.Decode(&adapter); err != nil {
			return fmt.Errorf("failed to decode %s config: %w", nt, err)
		}
		adapter.Network = nt

		if err := validate.Struct(adapter); err != nil {
			return fmt.Errorf("invalid %s config: %w", nt, err)
		}
		if err := adapter.Validate(); err != nil {
			return fmt.Errorf("invalid %s config: %w", nt, err)
		}
		a[nt] = adapter
	}
	return nil
}
