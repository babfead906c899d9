package plan

import (
	"fmt"

	"gopkg.in/yaml.v3"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
)

// Manifest is the raw deployment manifest as operators write it. Only the
// fields the director consumes are declared; unknown keys are ignored.
type Manifest struct {
	Name    string          `yaml:"name"`
	Release ReleaseRef      `yaml:"release"`
	Update  UpdatePolicy    `yaml:"update"`
	Compile CompilationSpec `yaml:"compilation"`

	Networks      []NetworkSpec      `yaml:"networks"`
	ResourcePools []ResourcePoolSpec `yaml:"resource_pools"`
	Jobs          []JobManifest      `yaml:"jobs"`
}

// ReleaseRef names the exact release version a deployment runs.
type ReleaseRef struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// UpdatePolicy controls canary and bulk phases of a job update. Watch times
// are in milliseconds, manifest-compatible with the original format.
type UpdatePolicy struct {
	Canaries        int `yaml:"canaries"`
	MaxInFlight     int `yaml:"max_in_flight"`
	CanaryWatchTime int `yaml:"canary_watch_time"`
	UpdateWatchTime int `yaml:"update_watch_time"`
}

// merged returns the job-level override of a deployment-level policy. Zero
// fields inherit.
func (u UpdatePolicy) merged(override *UpdatePolicy) UpdatePolicy {
	if override == nil {
		return u
	}
	out := u
	if override.Canaries > 0 {
		out.Canaries = override.Canaries
	}
	if override.MaxInFlight > 0 {
		out.MaxInFlight = override.MaxInFlight
	}
	if override.CanaryWatchTime > 0 {
		out.CanaryWatchTime = override.CanaryWatchTime
	}
	if override.UpdateWatchTime > 0 {
		out.UpdateWatchTime = override.UpdateWatchTime
	}
	return out
}

// CompilationSpec describes the dedicated resource pool the package compiler
// uses.
type CompilationSpec struct {
	Workers         int                    `yaml:"workers"`
	Network         string                 `yaml:"network"`
	CloudProperties map[string]interface{} `yaml:"cloud_properties"`
}

// NetworkSpec declares one network.
type NetworkSpec struct {
	Name    string       `yaml:"name"`
	Type    string       `yaml:"type"` // "manual", "dynamic" or "vip"; empty means manual
	Subnets []SubnetSpec `yaml:"subnets"`
	// dynamic and vip networks carry properties at the network level
	CloudProperties map[string]interface{} `yaml:"cloud_properties"`
	DNS             []string               `yaml:"dns"`
}

// SubnetSpec declares one subnet of a manual network.
type SubnetSpec struct {
	Range           string                 `yaml:"range"` // CIDR
	Gateway         string                 `yaml:"gateway"`
	Static          []string               `yaml:"static"`   // addresses or "a - b" ranges
	Reserved        []string               `yaml:"reserved"` // never allocated
	DNS             []string               `yaml:"dns"`
	CloudProperties map[string]interface{} `yaml:"cloud_properties"`
}

// ResourcePoolSpec declares a pool of interchangeable VMs.
type ResourcePoolSpec struct {
	Name            string                 `yaml:"name"`
	Size            int                    `yaml:"size"`
	Network         string                 `yaml:"network"`
	Stemcell        StemcellRef            `yaml:"stemcell"`
	CloudProperties map[string]interface{} `yaml:"cloud_properties"`
	Env             map[string]interface{} `yaml:"env"`
}

// StemcellRef names a registered stemcell.
type StemcellRef struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// JobManifest declares one job.
type JobManifest struct {
	Name           string              `yaml:"name"`
	Template       string              `yaml:"template"`
	Instances      int                 `yaml:"instances"`
	ResourcePool   string              `yaml:"resource_pool"`
	PersistentDisk int                 `yaml:"persistent_disk"` // MB, 0 = none
	Networks       []JobNetworkBinding `yaml:"networks"`
	Update         *UpdatePolicy       `yaml:"update"`
}

// JobNetworkBinding attaches a job to a network, optionally with static
// addresses assigned to instances in index order.
type JobNetworkBinding struct {
	Name      string   `yaml:"name"`
	StaticIPs []string `yaml:"static_ips"`
}

// ParseManifest decodes manifest YAML. Structural problems are bad_manifest;
// semantic validation happens when the Plan is built.
func ParseManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, direrrors.BadManifest(err)
	}
	if m.Name == "" {
		return nil, direrrors.BadManifest(fmt.Errorf("manifest has no name"))
	}
	return &m, nil
}
