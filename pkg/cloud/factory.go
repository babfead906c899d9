package cloud

import (
	"fmt"

	"github.com/meridianhq/drydock/pkg/bus"
	"github.com/meridianhq/drydock/pkg/cloud/dummy"
	"github.com/meridianhq/drydock/pkg/cloud/esx"
	"github.com/meridianhq/drydock/pkg/cloud/vsphere"
	"github.com/meridianhq/drydock/pkg/config"
)

// New builds the configured provider, instrumented. The bus is only used by
// the dummy provider, whose fake agents answer RPC in-process.
func New(cfg config.CloudConfig, b bus.Bus) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "vsphere":
		p, err = vsphere.NewProvider(cfg.VSphere)
	case "esx":
		p, err = esx.NewProvider(cfg.VSphere)
	case "dummy":
		p, err = dummy.NewProvider(cfg.Dummy.Dir, b)
	default:
		return nil, fmt.Errorf("unknown cloud provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(p), nil
}
