package cloud

import (
	"context"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/metrics"
	"github.com/meridianhq/drydock/pkg/types"
)

// Instrument wraps a provider so every call is timed, counted on failure and
// mapped to a cloud_error domain error. The factory applies it to every
// backend; providers themselves return plain errors.
func Instrument(p Provider) Provider {
	return &instrumented{next: p}
}

type instrumented struct {
	next Provider
}

func observe(op string, err error) error {
	if err == nil {
		return nil
	}
	metrics.CloudCallErrors.WithLabelValues(op).Inc()
	if direrrors.CodeOf(err) != 0 {
		return err
	}
	return direrrors.CloudError(op, err)
}

func (i *instrumented) CreateStemcell(ctx context.Context, imagePath string, props map[string]interface{}) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CloudCallDuration.WithLabelValues("create_stemcell"))
	cid, err := i.next.CreateStemcell(ctx, imagePath, props)
	return cid, observe("create_stemcell", err)
}

func (i *instrumented) DeleteStemcell(ctx context.Context, cid string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CloudCallDuration.WithLabelValues("delete_stemcell"))
	return observe("delete_stemcell", i.next.DeleteStemcell(ctx, cid))
}

func (i *instrumented) CreateVM(ctx context.Context, agentID, stemcellCID string, props map[string]interface{}, networks map[string]types.NetworkSpec, env map[string]interface{}) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CloudCallDuration.WithLabelValues("create_vm"))
	cid, err := i.next.CreateVM(ctx, agentID, stemcellCID, props, networks, env)
	return cid, observe("create_vm", err)
}

func (i *instrumented) DeleteVM(ctx context.Context, cid string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CloudCallDuration.WithLabelValues("delete_vm"))
	return observe("delete_vm", i.next.DeleteVM(ctx, cid))
}

func (i *instrumented) RebootVM(ctx context.Context, cid string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CloudCallDuration.WithLabelValues("reboot_vm"))
	return observe("reboot_vm", i.next.RebootVM(ctx, cid))
}

func (i *instrumented) ConfigureNetworks(ctx context.Context, cid string, networks map[string]types.NetworkSpec) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CloudCallDuration.WithLabelValues("configure_networks"))
	return observe("configure_networks", i.next.ConfigureNetworks(ctx, cid, networks))
}

func (i *instrumented) CreateDisk(ctx context.Context, sizeMB int, vmCID string) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CloudCallDuration.WithLabelValues("create_disk"))
	cid, err := i.next.CreateDisk(ctx, sizeMB, vmCID)
	return cid, observe("create_disk", err)
}

func (i *instrumented) DeleteDisk(ctx context.Context, cid string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CloudCallDuration.WithLabelValues("delete_disk"))
	return observe("delete_disk", i.next.DeleteDisk(ctx, cid))
}

func (i *instrumented) AttachDisk(ctx context.Context, vmCID, diskCID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CloudCallDuration.WithLabelValues("attach_disk"))
	return observe("attach_disk", i.next.AttachDisk(ctx, vmCID, diskCID))
}

func (i *instrumented) DetachDisk(ctx context.Context, vmCID, diskCID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CloudCallDuration.WithLabelValues("detach_disk"))
	return observe("detach_disk", i.next.DetachDisk(ctx, vmCID, diskCID))
}

func (i *instrumented) GetDisks(ctx context.Context, vmCID string) ([]string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CloudCallDuration.WithLabelValues("get_disks"))
	cids, err := i.next.GetDisks(ctx, vmCID)
	return cids, observe("get_disks", err)
}

func (i *instrumented) SnapshotDisk(ctx context.Context, diskCID string) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CloudCallDuration.WithLabelValues("snapshot_disk"))
	cid, err := i.next.SnapshotDisk(ctx, diskCID)
	return cid, observe("snapshot_disk", err)
}
