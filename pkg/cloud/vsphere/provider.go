package vsphere

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/soap"
	vim "github.com/vmware/govmomi/vim25/types"

	"github.com/meridianhq/drydock/pkg/config"
	"github.com/meridianhq/drydock/pkg/types"
)

// Provider drives vCenter (or, via pkg/cloud/esx, a single host) through
// govmomi. Stemcells become template VMs; VMs are clones of those templates;
// persistent disks are standalone VMDKs under cfg.DiskDir attached and
// detached with keep-files semantics.
type Provider struct {
	client *govmomi.Client
	finder *find.Finder
	dc     *object.Datacenter
	pool   *object.ResourcePool
	ds     *object.Datastore
	folder *object.Folder
	cfg    config.VSphereCloudConfig
}

// NewProvider connects to vCenter using the datacenter and cluster from
// config.
func NewProvider(cfg config.VSphereCloudConfig) (*Provider, error) {
	return connect(cfg, false)
}

// NewStandalone connects directly to one ESX host: default datacenter,
// default resource pool, no cluster.
func NewStandalone(cfg config.VSphereCloudConfig) (*Provider, error) {
	return connect(cfg, true)
}

func connect(cfg config.VSphereCloudConfig, standalone bool) (*Provider, error) {
	ctx := context.Background()

	u, err := soap.ParseURL(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to parse vsphere host %q: %w", cfg.Host, err)
	}
	u.User = url.UserPassword(cfg.User, cfg.Password)

	client, err := govmomi.NewClient(ctx, u, cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to vsphere at %s: %w", cfg.Host, err)
	}

	finder := find.NewFinder(client.Client, false)

	var dc *object.Datacenter
	if standalone || cfg.Datacenter == "" {
		dc, err = finder.DefaultDatacenter(ctx)
	} else {
		dc, err = finder.Datacenter(ctx, cfg.Datacenter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find datacenter: %w", err)
	}
	finder.SetDatacenter(dc)

	var pool *object.ResourcePool
	if standalone || cfg.Cluster == "" {
		pool, err = finder.DefaultResourcePool(ctx)
	} else {
		pool, err = finder.ResourcePool(ctx, path.Join(cfg.Cluster, "Resources"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find resource pool: %w", err)
	}

	ds, err := finder.DatastoreOrDefault(ctx, cfg.Datastore)
	if err != nil {
		return nil, fmt.Errorf("failed to find datastore: %w", err)
	}

	folders, err := dc.Folders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read datacenter folders: %w", err)
	}
	folder := folders.VmFolder
	if cfg.VMFolder != "" {
		folder, err = finder.Folder(ctx, cfg.VMFolder)
		if err != nil {
			return nil, fmt.Errorf("failed to find vm folder %q: %w", cfg.VMFolder, err)
		}
	}

	return &Provider{
		client: client,
		finder: finder,
		dc:     dc,
		pool:   pool,
		ds:     ds,
		folder: folder,
		cfg:    cfg,
	}, nil
}

func (p *Provider) vm(ctx context.Context, cid string) (*object.VirtualMachine, error) {
	vm, err := p.finder.VirtualMachine(ctx, cid)
	if err != nil {
		return nil, fmt.Errorf("vm %s not found: %w", cid, err)
	}
	return vm, nil
}

// CreateStemcell uploads the image's disk to the datastore and registers a
// template VM backed by it. The template is never powered on; clones of it
// are.
func (p *Provider) CreateStemcell(ctx context.Context, imagePath string, props map[string]interface{}) (string, error) {
	cid := "sc-" + uuid.NewString()
	remoteDisk := path.Join("stemcells", cid, "root.vmdk")

	if err := p.ds.UploadFile(ctx, imagePath, remoteDisk, nil); err != nil {
		return "", fmt.Errorf("failed to upload stemcell image: %w", err)
	}

	spec := vim.VirtualMachineConfigSpec{
		Name:     cid,
		GuestId:  string(vim.VirtualMachineGuestOsIdentifierOtherLinux64Guest),
		NumCPUs:  1,
		MemoryMB: 512,
		Files: &vim.VirtualMachineFileInfo{
			VmPathName: fmt.Sprintf("[%s] stemcells/%s", p.ds.Name(), cid),
		},
	}

	task, err := p.folder.CreateVM(ctx, spec, p.pool, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create stemcell vm: %w", err)
	}
	info, err := task.WaitForResult(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create stemcell vm: %w", err)
	}

	vm := object.NewVirtualMachine(p.client.Client, info.Result.(vim.ManagedObjectReference))
	if err := p.attachDiskDevice(ctx, vm, fmt.Sprintf("[%s] %s", p.ds.Name(), remoteDisk)); err != nil {
		return "", err
	}
	if err := vm.MarkAsTemplate(ctx); err != nil {
		return "", fmt.Errorf("failed to mark stemcell as template: %w", err)
	}
	return cid, nil
}

func (p *Provider) DeleteStemcell(ctx context.Context, cid string) error {
	vm, err := p.vm(ctx, cid)
	if err != nil {
		return err
	}
	task, err := vm.Destroy(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete stemcell %s: %w", cid, err)
	}
	return task.Wait(ctx)
}

// agentEnv is placed in guestinfo for the agent to bootstrap from. The
// layout matches what agents read on first boot.
type agentEnv struct {
	AgentID  string                       `json:"agent_id"`
	Networks map[string]types.NetworkSpec `json:"networks"`
	Env      map[string]interface{}       `json:"env"`
}

func (p *Provider) CreateVM(ctx context.Context, agentID, stemcellCID string, props map[string]interface{}, networks map[string]types.NetworkSpec, env map[string]interface{}) (string, error) {
	template, err := p.vm(ctx, stemcellCID)
	if err != nil {
		return "", err
	}

	cid := "vm-" + uuid.NewString()

	envJSON, err := json.Marshal(agentEnv{AgentID: agentID, Networks: networks, Env: env})
	if err != nil {
		return "", fmt.Errorf("failed to encode agent env: %w", err)
	}

	configSpec := &vim.VirtualMachineConfigSpec{
		ExtraConfig: []vim.BaseOptionValue{
			&vim.OptionValue{Key: "guestinfo.drydock.agent_env", Value: string(envJSON)},
		},
	}
	if v, ok := numProp(props, "cpu"); ok {
		configSpec.NumCPUs = int32(v)
	}
	if v, ok := numProp(props, "ram"); ok {
		configSpec.MemoryMB = int64(v)
	}

	poolRef := p.pool.Reference()
	dsRef := p.ds.Reference()
	cloneSpec := vim.VirtualMachineCloneSpec{
		Location: vim.VirtualMachineRelocateSpec{
			Pool:      &poolRef,
			Datastore: &dsRef,
		},
		Config:  configSpec,
		PowerOn: true,
	}

	task, err := template.Clone(ctx, p.folder, cid, cloneSpec)
	if err != nil {
		return "", fmt.Errorf("failed to clone stemcell %s: %w", stemcellCID, err)
	}
	if _, err := task.WaitForResult(ctx, nil); err != nil {
		return "", fmt.Errorf("failed to clone stemcell %s: %w", stemcellCID, err)
	}
	return cid, nil
}

func (p *Provider) DeleteVM(ctx context.Context, cid string) error {
	vm, err := p.vm(ctx, cid)
	if err != nil {
		return err
	}

	// power off first; already-off VMs make this fail, which is fine
	if task, err := vm.PowerOff(ctx); err == nil {
		task.Wait(ctx)
	}

	task, err := vm.Destroy(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete vm %s: %w", cid, err)
	}
	return task.Wait(ctx)
}

func (p *Provider) RebootVM(ctx context.Context, cid string) error {
	vm, err := p.vm(ctx, cid)
	if err != nil {
		return err
	}
	// soft reboot through tools, hard reset when tools are unresponsive
	if err := vm.RebootGuest(ctx); err == nil {
		return nil
	}
	task, err := vm.Reset(ctx)
	if err != nil {
		return fmt.Errorf("failed to reboot vm %s: %w", cid, err)
	}
	return task.Wait(ctx)
}

func (p *Provider) ConfigureNetworks(ctx context.Context, cid string, networks map[string]types.NetworkSpec) error {
	vm, err := p.vm(ctx, cid)
	if err != nil {
		return err
	}

	envJSON, err := json.Marshal(agentEnv{Networks: networks})
	if err != nil {
		return fmt.Errorf("failed to encode agent env: %w", err)
	}
	task, err := vm.Reconfigure(ctx, vim.VirtualMachineConfigSpec{
		ExtraConfig: []vim.BaseOptionValue{
			&vim.OptionValue{Key: "guestinfo.drydock.network_env", Value: string(envJSON)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to reconfigure vm %s: %w", cid, err)
	}
	if err := task.Wait(ctx); err != nil {
		return err
	}
	return p.RebootVM(ctx, cid)
}

func (p *Provider) diskPath(cid string) string {
	dir := p.cfg.DiskDir
	if dir == "" {
		dir = "drydock-disks"
	}
	return fmt.Sprintf("[%s] %s/%s.vmdk", p.ds.Name(), dir, cid)
}

func (p *Provider) CreateDisk(ctx context.Context, sizeMB int, vmCID string) (string, error) {
	cid := "disk-" + uuid.NewString()
	vdm := object.NewVirtualDiskManager(p.client.Client)

	spec := &vim.FileBackedVirtualDiskSpec{
		VirtualDiskSpec: vim.VirtualDiskSpec{
			DiskType:    string(vim.VirtualDiskTypeThin),
			AdapterType: string(vim.VirtualDiskAdapterTypeLsiLogic),
		},
		CapacityKb: int64(sizeMB) * 1024,
	}
	task, err := vdm.CreateVirtualDisk(ctx, p.diskPath(cid), p.dc, spec)
	if err != nil {
		return "", fmt.Errorf("failed to create disk: %w", err)
	}
	if err := task.Wait(ctx); err != nil {
		return "", fmt.Errorf("failed to create disk: %w", err)
	}
	return cid, nil
}

func (p *Provider) DeleteDisk(ctx context.Context, cid string) error {
	vdm := object.NewVirtualDiskManager(p.client.Client)
	task, err := vdm.DeleteVirtualDisk(ctx, p.diskPath(cid), p.dc)
	if err != nil {
		return fmt.Errorf("failed to delete disk %s: %w", cid, err)
	}
	return task.Wait(ctx)
}

func (p *Provider) AttachDisk(ctx context.Context, vmCID, diskCID string) error {
	vm, err := p.vm(ctx, vmCID)
	if err != nil {
		return err
	}
	return p.attachDiskDevice(ctx, vm, p.diskPath(diskCID))
}

func (p *Provider) attachDiskDevice(ctx context.Context, vm *object.VirtualMachine, diskPath string) error {
	devices, err := vm.Device(ctx)
	if err != nil {
		return fmt.Errorf("failed to read vm devices: %w", err)
	}
	controller, err := devices.FindDiskController("")
	if err != nil {
		return fmt.Errorf("failed to find disk controller: %w", err)
	}

	disk := devices.CreateDisk(controller, p.ds.Reference(), diskPath)
	if err := vm.AddDevice(ctx, disk); err != nil {
		return fmt.Errorf("failed to attach disk %s: %w", diskPath, err)
	}
	return nil
}

func (p *Provider) DetachDisk(ctx context.Context, vmCID, diskCID string) error {
	vm, err := p.vm(ctx, vmCID)
	if err != nil {
		return err
	}
	device, err := p.findDiskDevice(ctx, vm, diskCID)
	if err != nil {
		return err
	}
	// keepFiles: the VMDK outlives the attachment
	if err := vm.RemoveDevice(ctx, true, device); err != nil {
		return fmt.Errorf("failed to detach disk %s: %w", diskCID, err)
	}
	return nil
}

func (p *Provider) findDiskDevice(ctx context.Context, vm *object.VirtualMachine, diskCID string) (vim.BaseVirtualDevice, error) {
	devices, err := vm.Device(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read vm devices: %w", err)
	}
	for _, device := range devices.SelectByType((*vim.VirtualDisk)(nil)) {
		disk := device.(*vim.VirtualDisk)
		if backing, ok := disk.Backing.(*vim.VirtualDiskFlatVer2BackingInfo); ok {
			if strings.Contains(backing.FileName, diskCID) {
				return device, nil
			}
		}
	}
	return nil, fmt.Errorf("disk %s is not attached", diskCID)
}

func (p *Provider) GetDisks(ctx context.Context, vmCID string) ([]string, error) {
	vm, err := p.vm(ctx, vmCID)
	if err != nil {
		return nil, err
	}
	devices, err := vm.Device(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read vm devices: %w", err)
	}

	var cids []string
	for _, device := range devices.SelectByType((*vim.VirtualDisk)(nil)) {
		disk := device.(*vim.VirtualDisk)
		backing, ok := disk.Backing.(*vim.VirtualDiskFlatVer2BackingInfo)
		if !ok {
			continue
		}
		base := path.Base(backing.FileName)
		if strings.HasPrefix(base, "disk-") {
			cids = append(cids, strings.TrimSuffix(base, ".vmdk"))
		}
	}
	return cids, nil
}

// SnapshotDisk copies the VMDK: standalone disks have no native snapshot
// operation, a point-in-time copy is the equivalent.
func (p *Provider) SnapshotDisk(ctx context.Context, diskCID string) (string, error) {
	cid := "snap-" + uuid.NewString()
	vdm := object.NewVirtualDiskManager(p.client.Client)
	task, err := vdm.CopyVirtualDisk(ctx, p.diskPath(diskCID), p.dc, p.diskPath(cid), p.dc, nil, false)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot disk %s: %w", diskCID, err)
	}
	if err := task.Wait(ctx); err != nil {
		return "", fmt.Errorf("failed to snapshot disk %s: %w", diskCID, err)
	}
	return cid, nil
}

func numProp(props map[string]interface{}, key string) (float64, bool) {
	v, ok := props[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
