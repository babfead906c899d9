package dummy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/meridianhq/drydock/pkg/bus"
	"github.com/meridianhq/drydock/pkg/types"
)

var (
	bucketStemcells = []byte("stemcells")
	bucketVMs       = []byte("vms")
	bucketDisks     = []byte("disks")
	bucketSnapshots = []byte("snapshots")
)

type stemcellRecord struct {
	CID             string                 `json:"cid"`
	ImagePath       string                 `json:"image_path"`
	CloudProperties map[string]interface{} `json:"cloud_properties"`
}

type vmRecord struct {
	CID         string                       `json:"cid"`
	AgentID     string                       `json:"agent_id"`
	StemcellCID string                       `json:"stemcell_cid"`
	Networks    map[string]types.NetworkSpec `json:"networks"`
	Env         map[string]interface{}       `json:"env"`
}

type diskRecord struct {
	CID        string `json:"cid"`
	SizeMB     int    `json:"size_mb"`
	AttachedTo string `json:"attached_to,omitempty"` // vm cid
}

// Provider is the test backend. World state lives in a bbolt file so it
// survives process restarts and is shared between a server and its workers
// on one host; the VMs are goroutine "agents" answering RPC on the bus.
type Provider struct {
	db       *bolt.DB
	bus      bus.Bus
	failures *failureSet

	mu     sync.Mutex
	agents map[string]*fakeAgent // vm cid -> agent
}

// NewProvider opens (or creates) the world state under dir. With a non-nil
// bus, a fake agent is started for every VM, including VMs recorded by an
// earlier process.
func NewProvider(dir string, b bus.Bus) (*Provider, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dummy cloud dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "world.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open dummy cloud state: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketStemcells, bucketVMs, bucketDisks, bucketSnapshots} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	p := &Provider{db: db, bus: b, failures: newFailureSet(), agents: make(map[string]*fakeAgent)}
	if b != nil {
		if err := p.restartAgents(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return p, nil
}

// Close stops all fake agents and the world state database.
func (p *Provider) Close() error {
	p.mu.Lock()
	for cid, a := range p.agents {
		a.stop()
		delete(p.agents, cid)
	}
	p.mu.Unlock()
	return p.db.Close()
}

func (p *Provider) restartAgents() error {
	return p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).ForEach(func(_, v []byte) error {
			var vm vmRecord
			if err := json.Unmarshal(v, &vm); err != nil {
				return err
			}
			p.startAgent(vm.CID, vm.AgentID)
			return nil
		})
	})
}

func (p *Provider) startAgent(vmCID, agentID string) {
	a := newFakeAgent(agentID, p.bus, p.failures)
	p.mu.Lock()
	p.agents[vmCID] = a
	p.mu.Unlock()
}

// FailMethod arms a one-shot failure: the next call to the named agent
// method, on any of this provider's agents, returns an error with the given
// message instead of its normal result.
func (p *Provider) FailMethod(method, message string) {
	p.failures.arm(method, message)
}

func (p *Provider) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (p *Provider) get(bucket []byte, key string, v interface{}) (bool, error) {
	var data []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucket).Get([]byte(key)); raw != nil {
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil || data == nil {
		return false, err
	}
	return true, json.Unmarshal(data, v)
}

func (p *Provider) delete(bucket []byte, key string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (p *Provider) CreateStemcell(ctx context.Context, imagePath string, props map[string]interface{}) (string, error) {
	cid := "sc-" + uuid.NewString()
	rec := stemcellRecord{CID: cid, ImagePath: imagePath, CloudProperties: props}
	if err := p.put(bucketStemcells, cid, rec); err != nil {
		return "", err
	}
	return cid, nil
}

func (p *Provider) DeleteStemcell(ctx context.Context, cid string) error {
	var rec stemcellRecord
	found, err := p.get(bucketStemcells, cid, &rec)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("stemcell %s not found", cid)
	}
	return p.delete(bucketStemcells, cid)
}

func (p *Provider) CreateVM(ctx context.Context, agentID, stemcellCID string, props map[string]interface{}, networks map[string]types.NetworkSpec, env map[string]interface{}) (string, error) {
	var sc stemcellRecord
	found, err := p.get(bucketStemcells, stemcellCID, &sc)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("stemcell %s not found", stemcellCID)
	}

	cid := "vm-" + uuid.NewString()
	rec := vmRecord{CID: cid, AgentID: agentID, StemcellCID: stemcellCID, Networks: networks, Env: env}
	if err := p.put(bucketVMs, cid, rec); err != nil {
		return "", err
	}
	if p.bus != nil {
		p.startAgent(cid, agentID)
	}
	return cid, nil
}

func (p *Provider) DeleteVM(ctx context.Context, cid string) error {
	var rec vmRecord
	found, err := p.get(bucketVMs, cid, &rec)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("vm %s not found", cid)
	}

	p.mu.Lock()
	if a, ok := p.agents[cid]; ok {
		a.stop()
		delete(p.agents, cid)
	}
	p.mu.Unlock()
	return p.delete(bucketVMs, cid)
}

func (p *Provider) RebootVM(ctx context.Context, cid string) error {
	var rec vmRecord
	found, err := p.get(bucketVMs, cid, &rec)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("vm %s not found", cid)
	}
	return nil
}

func (p *Provider) ConfigureNetworks(ctx context.Context, cid string, networks map[string]types.NetworkSpec) error {
	var rec vmRecord
	found, err := p.get(bucketVMs, cid, &rec)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("vm %s not found", cid)
	}
	rec.Networks = networks
	return p.put(bucketVMs, cid, rec)
}

func (p *Provider) CreateDisk(ctx context.Context, sizeMB int, vmCID string) (string, error) {
	cid := "disk-" + uuid.NewString()
	if err := p.put(bucketDisks, cid, diskRecord{CID: cid, SizeMB: sizeMB}); err != nil {
		return "", err
	}
	return cid, nil
}

func (p *Provider) DeleteDisk(ctx context.Context, cid string) error {
	var rec diskRecord
	found, err := p.get(bucketDisks, cid, &rec)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("disk %s not found", cid)
	}
	if rec.AttachedTo != "" {
		return fmt.Errorf("disk %s is attached to %s", cid, rec.AttachedTo)
	}
	return p.delete(bucketDisks, cid)
}

func (p *Provider) AttachDisk(ctx context.Context, vmCID, diskCID string) error {
	var vm vmRecord
	found, err := p.get(bucketVMs, vmCID, &vm)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("vm %s not found", vmCID)
	}
	var disk diskRecord
	found, err = p.get(bucketDisks, diskCID, &disk)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("disk %s not found", diskCID)
	}
	if disk.AttachedTo != "" && disk.AttachedTo != vmCID {
		return fmt.Errorf("disk %s is attached to %s", diskCID, disk.AttachedTo)
	}
	disk.AttachedTo = vmCID
	return p.put(bucketDisks, diskCID, disk)
}

func (p *Provider) DetachDisk(ctx context.Context, vmCID, diskCID string) error {
	var disk diskRecord
	found, err := p.get(bucketDisks, diskCID, &disk)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("disk %s not found", diskCID)
	}
	if disk.AttachedTo != vmCID {
		return fmt.Errorf("disk %s is not attached to %s", diskCID, vmCID)
	}
	disk.AttachedTo = ""
	return p.put(bucketDisks, diskCID, disk)
}

func (p *Provider) GetDisks(ctx context.Context, vmCID string) ([]string, error) {
	var cids []string
	err := p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDisks).ForEach(func(_, v []byte) error {
			var disk diskRecord
			if err := json.Unmarshal(v, &disk); err != nil {
				return err
			}
			if disk.AttachedTo == vmCID {
				cids = append(cids, disk.CID)
			}
			return nil
		})
	})
	return cids, err
}

func (p *Provider) SnapshotDisk(ctx context.Context, diskCID string) (string, error) {
	var disk diskRecord
	found, err := p.get(bucketDisks, diskCID, &disk)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("disk %s not found", diskCID)
	}
	cid := "snap-" + uuid.NewString()
	if err := p.put(bucketSnapshots, cid, map[string]string{"cid": cid, "disk": diskCID}); err != nil {
		return "", err
	}
	return cid, nil
}
