package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/types"
)

func (s *SQLStore) SaveDeployment(ctx context.Context, name, manifest string) (*types.Deployment, error) {
	d := &types.Deployment{Name: name, Manifest: manifest}
	err := s.db.GetContext(ctx, &d.ID,
		`INSERT INTO deployments (name, manifest) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET manifest = EXCLUDED.manifest
		 RETURNING id`, name, manifest)
	return d, err
}

func (s *SQLStore) GetDeployment(ctx context.Context, name string) (*types.Deployment, error) {
	d := &types.Deployment{}
	err := s.db.GetContext(ctx, d, `SELECT * FROM deployments WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, direrrors.NotFound("deployment", name)
	}
	return d, err
}

func (s *SQLStore) ListDeployments(ctx context.Context) ([]*types.Deployment, error) {
	deployments := []*types.Deployment{}
	return deployments, s.db.SelectContext(ctx, &deployments,
		`SELECT * FROM deployments ORDER BY name`)
}

func (s *SQLStore) DeleteDeployment(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var vms, instances int64
	if err := tx.GetContext(ctx, &vms, `SELECT count(*) FROM vms WHERE deployment_id = $1`, id); err != nil {
		return err
	}
	if err := tx.GetContext(ctx, &instances, `SELECT count(*) FROM instances WHERE deployment_id = $1`, id); err != nil {
		return err
	}
	if vms > 0 || instances > 0 {
		return direrrors.DeploymentInUse(fmt.Sprintf("%d", id),
			fmt.Sprintf("%d vms, %d instances still present", vms, instances))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deployments WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) SetDeploymentReleaseVersion(ctx context.Context, deploymentID, releaseVersionID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deployments_release_versions WHERE deployment_id = $1`, deploymentID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deployments_release_versions (deployment_id, release_version_id) VALUES ($1, $2)`,
		deploymentID, releaseVersionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) SetDeploymentStemcells(ctx context.Context, deploymentID int64, stemcellIDs []int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deployments_stemcells WHERE deployment_id = $1`, deploymentID); err != nil {
		return err
	}
	for _, stemcellID := range stemcellIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deployments_stemcells (deployment_id, stemcell_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`, deploymentID, stemcellID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---- vms ----

func (s *SQLStore) CreateVM(ctx context.Context, vm *types.VM) error {
	return s.db.GetContext(ctx, &vm.ID,
		`INSERT INTO vms (deployment_id, agent_id, cid, resource_pool, stemcell_cid, ip)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		vm.DeploymentID, vm.AgentID, vm.CID, vm.ResourcePool, vm.StemcellCID, vm.IP)
}

func (s *SQLStore) DeleteVM(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vms WHERE id = $1`, id)
	return err
}

func (s *SQLStore) SetVMIP(ctx context.Context, id int64, ip string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE vms SET ip = $2 WHERE id = $1`, id, ip)
	return err
}

func (s *SQLStore) VMsByDeployment(ctx context.Context, deploymentID int64) ([]*types.VM, error) {
	vms := []*types.VM{}
	return vms, s.db.SelectContext(ctx, &vms,
		`SELECT * FROM vms WHERE deployment_id = $1 ORDER BY id`, deploymentID)
}

// ---- instances ----

func (s *SQLStore) CreateInstance(ctx context.Context, in *types.Instance) error {
	if len(in.State) == 0 {
		in.State = []byte("{}")
	}
	err := s.db.GetContext(ctx, &in.ID,
		`INSERT INTO instances (deployment_id, vm_id, job, job_index, state)
		 VALUES ($1, $2, $3, $4, $5::jsonb) RETURNING id`,
		in.DeploymentID, in.VMID, in.Job, in.Index, string(in.State))
	if isUniqueViolation(err) {
		return direrrors.ValidationFailed(
			fmt.Sprintf("instance %s/%d already exists in deployment", in.Job, in.Index))
	}
	return err
}

func (s *SQLStore) DeleteInstance(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = $1`, id)
	return err
}

func (s *SQLStore) InstancesByDeployment(ctx context.Context, deploymentID int64) ([]*types.Instance, error) {
	instances := []*types.Instance{}
	return instances, s.db.SelectContext(ctx, &instances,
		`SELECT * FROM instances WHERE deployment_id = $1 ORDER BY job, job_index`, deploymentID)
}

func (s *SQLStore) BindInstanceVM(ctx context.Context, instanceID int64, vmID *int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET vm_id = $2 WHERE id = $1`, instanceID, vmID)
	return err
}

func (s *SQLStore) UpdateInstanceState(ctx context.Context, instanceID int64, state []byte) error {
	if len(state) == 0 {
		state = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET state = $2::jsonb WHERE id = $1`, instanceID, string(state))
	return err
}

// ---- disks ----

func (s *SQLStore) CreateDisk(ctx context.Context, d *types.Disk) error {
	return s.db.GetContext(ctx, &d.ID,
		`INSERT INTO disks (instance_id, cid, size_mb, active)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		d.InstanceID, d.CID, d.SizeMB, d.Active)
}

func (s *SQLStore) DisksByInstance(ctx context.Context, instanceID int64) ([]*types.Disk, error) {
	disks := []*types.Disk{}
	return disks, s.db.SelectContext(ctx, &disks,
		`SELECT * FROM disks WHERE instance_id = $1 ORDER BY id`, instanceID)
}

func (s *SQLStore) SetDiskActive(ctx context.Context, diskID int64, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE disks SET active = $2 WHERE id = $1`, diskID, active)
	return err
}

func (s *SQLStore) DeleteDisk(ctx context.Context, diskID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM disks WHERE id = $1`, diskID)
	return err
}

// ---- ip reservations ----

func (s *SQLStore) ReserveIP(ctx context.Context, r *types.IPReservation) error {
	err := s.db.GetContext(ctx, &r.ID,
		`INSERT INTO ip_reservations (deployment_id, instance_id, network, address, static)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		r.DeploymentID, r.InstanceID, r.Network, r.Address, r.Static)
	if isUniqueViolation(err) {
		return direrrors.ValidationFailed(
			fmt.Sprintf("address %s on network %s is already reserved", r.Address, r.Network))
	}
	return err
}

func (s *SQLStore) ReleaseInstanceIPs(ctx context.Context, instanceID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ip_reservations WHERE instance_id = $1`, instanceID)
	return err
}

func (s *SQLStore) IPsByDeployment(ctx context.Context, deploymentID int64) ([]*types.IPReservation, error) {
	ips := []*types.IPReservation{}
	return ips, s.db.SelectContext(ctx, &ips,
		`SELECT * FROM ip_reservations WHERE deployment_id = $1 ORDER BY id`, deploymentID)
}

func (s *SQLStore) IPsByNetwork(ctx context.Context, network string) ([]*types.IPReservation, error) {
	ips := []*types.IPReservation{}
	return ips, s.db.SelectContext(ctx, &ips,
		`SELECT * FROM ip_reservations WHERE network = $1 ORDER BY id`, network)
}
