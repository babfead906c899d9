package cloud

import (
	"context"

	"github.com/meridianhq/drydock/pkg/types"
)

// Provider is the capability set the director needs from an infrastructure
// backend. All operations are synchronous: implementations wait out their
// backend's async tasks before returning. Failures surface as cloud_error
// domain errors with the backend's message attached.
type Provider interface {
	// CreateStemcell makes the OS image at imagePath available to the
	// backend and returns its cloud id.
	CreateStemcell(ctx context.Context, imagePath string, cloudProps map[string]interface{}) (string, error)
	DeleteStemcell(ctx context.Context, cid string) error

	// CreateVM boots a VM from a stemcell with the resource pool's cloud
	// properties and the given network attachments. env is handed to the
	// agent for bootstrap.
	CreateVM(ctx context.Context, agentID, stemcellCID string, cloudProps map[string]interface{}, networks map[string]types.NetworkSpec, env map[string]interface{}) (string, error)
	DeleteVM(ctx context.Context, cid string) error
	RebootVM(ctx context.Context, cid string) error
	ConfigureNetworks(ctx context.Context, cid string, networks map[string]types.NetworkSpec) error

	CreateDisk(ctx context.Context, sizeMB int, vmCID string) (string, error)
	DeleteDisk(ctx context.Context, cid string) error
	AttachDisk(ctx context.Context, vmCID, diskCID string) error
	DetachDisk(ctx context.Context, vmCID, diskCID string) error
	// GetDisks lists the persistent disk cids attached to a VM.
	GetDisks(ctx context.Context, vmCID string) ([]string, error)
	SnapshotDisk(ctx context.Context, diskCID string) (string, error)
}
