package esx

import (
	"github.com/meridianhq/drydock/pkg/cloud/vsphere"
	"github.com/meridianhq/drydock/pkg/config"
)

// NewProvider connects to a single ESX host. Same capability set as the
// vsphere provider, but addressed through the host's default datacenter and
// resource pool; cluster and datacenter settings are ignored.
func NewProvider(cfg config.VSphereCloudConfig) (*vsphere.Provider, error) {
	return vsphere.NewStandalone(cfg)
}
