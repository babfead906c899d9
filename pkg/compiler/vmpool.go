package compiler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianhq/drydock/pkg/agent"
	"github.com/meridianhq/drydock/pkg/cloud"
	"github.com/meridianhq/drydock/pkg/log"
	"github.com/meridianhq/drydock/pkg/plan"
	"github.com/meridianhq/drydock/pkg/store"
	"github.com/meridianhq/drydock/pkg/types"
)

// compileVM is a transient VM running a compilation agent.
type compileVM struct {
	agentID string
	cid     string
	ip      string
}

// vmPool reuses compilation VMs across the compile units of one task. VMs
// are keyed by stemcell CID since a package must be compiled on the stemcell
// it will run on. Everything the pool creates is destroyed by Drain before
// the task finishes.
type vmPool struct {
	cloud       cloud.Provider
	agents      *agent.Client
	comp        *plan.Compilation
	pingRetries int
	logger      zerolog.Logger

	mu   sync.Mutex
	idle map[string][]*compileVM
	used map[string]bool // compile network addresses handed out
}

// newVMPool seeds the used-address set from live reservations and VM rows:
// the compilation network is usually shared with deployed jobs, and a compile
// VM must never take an address an instance or pool VM already holds.
func newVMPool(ctx context.Context, s store.Store, c cloud.Provider, agents *agent.Client, comp *plan.Compilation, pingRetries int) (*vmPool, error) {
	p := &vmPool{
		cloud:       c,
		agents:      agents,
		comp:        comp,
		pingRetries: pingRetries,
		logger:      log.WithComponent("compiler"),
		idle:        make(map[string][]*compileVM),
		used:        make(map[string]bool),
	}
	if comp.Network == nil || comp.Network.Type != plan.NetworkManual {
		return p, nil
	}

	reservations, err := s.IPsByNetwork(ctx, comp.Network.Name)
	if err != nil {
		return nil, err
	}
	for _, r := range reservations {
		p.used[r.Address] = true
	}
	// idle pool VMs hold addresses without a reservation row
	deployments, err := s.ListDeployments(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range deployments {
		vms, err := s.VMsByDeployment(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		for _, vm := range vms {
			if vm.IP != "" {
				p.used[vm.IP] = true
			}
		}
	}
	return p, nil
}

// Acquire hands out an idle VM on the given stemcell or boots a fresh one.
func (p *vmPool) Acquire(ctx context.Context, stemcell *types.Stemcell) (*compileVM, error) {
	p.mu.Lock()
	if vms := p.idle[stemcell.CID]; len(vms) > 0 {
		vm := vms[len(vms)-1]
		p.idle[stemcell.CID] = vms[:len(vms)-1]
		p.mu.Unlock()
		return vm, nil
	}
	p.mu.Unlock()
	return p.create(ctx, stemcell)
}

// Release returns a VM to the idle set for reuse.
func (p *vmPool) Release(stemcell *types.Stemcell, vm *compileVM) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle[stemcell.CID] = append(p.idle[stemcell.CID], vm)
}

func (p *vmPool) create(ctx context.Context, stemcell *types.Stemcell) (*compileVM, error) {
	agentID := uuid.NewString()

	networks, ip, err := p.allocateNetwork()
	if err != nil {
		return nil, err
	}

	cid, err := p.cloud.CreateVM(ctx, agentID, stemcell.CID, p.comp.CloudProperties, networks, nil)
	if err != nil {
		p.releaseAddress(ip)
		return nil, fmt.Errorf("failed to create compilation vm: %w", err)
	}

	if err := p.agents.WaitUntilReady(ctx, agentID, p.pingRetries); err != nil {
		_ = p.cloud.DeleteVM(ctx, cid)
		p.releaseAddress(ip)
		return nil, fmt.Errorf("compilation agent %s never came up: %w", agentID, err)
	}

	p.logger.Debug().
		Str("agent", agentID).
		Str("cid", cid).
		Str("stemcell", stemcell.CID).
		Msg("created compilation vm")
	return &compileVM{agentID: agentID, cid: cid, ip: ip}, nil
}

// allocateNetwork builds the network spec for a compile VM. Manual networks
// get an address from the compilation network's dynamic range.
func (p *vmPool) allocateNetwork() (map[string]types.NetworkSpec, string, error) {
	n := p.comp.Network
	if n == nil {
		return map[string]types.NetworkSpec{}, "", nil
	}
	if n.Type != plan.NetworkManual {
		return map[string]types.NetworkSpec{n.Name: n.SpecFor("")}, "", nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	addr, err := n.AllocateDynamic(p.used)
	if err != nil {
		return nil, "", fmt.Errorf("failed to pick a compilation address on %s: %w", n.Name, err)
	}
	ip := addr.String()
	p.used[ip] = true
	return map[string]types.NetworkSpec{n.Name: n.SpecFor(ip)}, ip, nil
}

func (p *vmPool) releaseAddress(ip string) {
	if ip == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, ip)
}

// Drain destroys every idle VM. Called once compilation is over, success or
// not; VMs held by a still-running compile are released and drained by it.
func (p *vmPool) Drain(ctx context.Context) {
	p.mu.Lock()
	var vms []*compileVM
	for cid, list := range p.idle {
		vms = append(vms, list...)
		delete(p.idle, cid)
	}
	p.mu.Unlock()

	for _, vm := range vms {
		if err := p.cloud.DeleteVM(ctx, vm.cid); err != nil {
			p.logger.Error().Err(err).Str("cid", vm.cid).Msg("failed to delete compilation vm")
			continue
		}
		p.releaseAddress(vm.ip)
	}
}
