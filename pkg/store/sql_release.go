package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/types"
)

// packageRow adds the JSON dependencies column to the entity struct.
type packageRow struct {
	types.Package
	DependenciesJSON []byte `db:"dependencies"`
}

type templateRow struct {
	types.Template
	PackagesJSON []byte `db:"packages"`
}

func (s *SQLStore) CreateRelease(ctx context.Context, name string) (*types.Release, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO releases (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return nil, err
	}
	return s.GetRelease(ctx, name)
}

func (s *SQLStore) GetRelease(ctx context.Context, name string) (*types.Release, error) {
	r := &types.Release{}
	err := s.db.GetContext(ctx, r, `SELECT * FROM releases WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, direrrors.NotFound("release", name)
	}
	return r, err
}

func (s *SQLStore) ListReleases(ctx context.Context) ([]*types.Release, error) {
	releases := []*types.Release{}
	return releases, s.db.SelectContext(ctx, &releases, `SELECT * FROM releases ORDER BY name`)
}

func (s *SQLStore) DeleteRelease(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM releases WHERE id = $1`, id)
	return err
}

func (s *SQLStore) ReleaseDeployments(ctx context.Context, releaseName string) ([]string, error) {
	names := []string{}
	return names, s.db.SelectContext(ctx, &names,
		`SELECT DISTINCT d.name FROM deployments d
		 JOIN deployments_release_versions drv ON drv.deployment_id = d.id
		 JOIN release_versions rv ON rv.id = drv.release_version_id
		 JOIN releases r ON r.id = rv.release_id
		 WHERE r.name = $1 ORDER BY d.name`, releaseName)
}

func (s *SQLStore) CreateReleaseVersion(ctx context.Context, releaseID int64, version string) (*types.ReleaseVersion, error) {
	rv := &types.ReleaseVersion{ReleaseID: releaseID, Version: version}
	err := s.db.GetContext(ctx, &rv.ID,
		`INSERT INTO release_versions (release_id, version) VALUES ($1, $2) RETURNING id`,
		releaseID, version)
	if isUniqueViolation(err) {
		return nil, direrrors.ValidationFailed(fmt.Sprintf("release version %q already exists", version))
	}
	return rv, err
}

func (s *SQLStore) FindReleaseVersion(ctx context.Context, releaseName, version string) (*types.ReleaseVersion, bool, error) {
	rv := &types.ReleaseVersion{}
	err := s.db.GetContext(ctx, rv,
		`SELECT rv.* FROM release_versions rv
		 JOIN releases r ON r.id = rv.release_id
		 WHERE r.name = $1 AND rv.version = $2`, releaseName, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rv, true, nil
}

func (s *SQLStore) ReleaseVersions(ctx context.Context, releaseID int64) ([]*types.ReleaseVersion, error) {
	versions := []*types.ReleaseVersion{}
	return versions, s.db.SelectContext(ctx, &versions,
		`SELECT * FROM release_versions WHERE release_id = $1 ORDER BY id`, releaseID)
}

func (s *SQLStore) CreatePackage(ctx context.Context, p *types.Package) error {
	deps, err := json.Marshal(p.Dependencies)
	if err != nil {
		return err
	}
	err = s.db.GetContext(ctx, &p.ID,
		`INSERT INTO packages (release_version_id, name, version, fingerprint, sha1, blobstore_id, dependencies)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb) RETURNING id`,
		p.ReleaseVersionID, p.Name, p.Version, p.Fingerprint, p.SHA1, p.BlobstoreID, string(deps))
	if isUniqueViolation(err) {
		return direrrors.ValidationFailed(fmt.Sprintf("package %q already exists in release version", p.Name))
	}
	return err
}

func (s *SQLStore) PackagesByReleaseVersion(ctx context.Context, releaseVersionID int64) ([]*types.Package, error) {
	rows := []*packageRow{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM packages WHERE release_version_id = $1 ORDER BY name`, releaseVersionID)
	if err != nil {
		return nil, err
	}
	packages := make([]*types.Package, 0, len(rows))
	for _, row := range rows {
		p := row.Package
		if len(row.DependenciesJSON) > 0 {
			if err := json.Unmarshal(row.DependenciesJSON, &p.Dependencies); err != nil {
				return nil, fmt.Errorf("failed to decode dependencies of package %s: %w", p.Name, err)
			}
		}
		packages = append(packages, &p)
	}
	return packages, nil
}

func (s *SQLStore) CreateTemplate(ctx context.Context, t *types.Template) error {
	pkgs, err := json.Marshal(t.Packages)
	if err != nil {
		return err
	}
	err = s.db.GetContext(ctx, &t.ID,
		`INSERT INTO templates (release_version_id, name, version, fingerprint, sha1, blobstore_id, packages)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb) RETURNING id`,
		t.ReleaseVersionID, t.Name, t.Version, t.Fingerprint, t.SHA1, t.BlobstoreID, string(pkgs))
	if isUniqueViolation(err) {
		return direrrors.ValidationFailed(fmt.Sprintf("template %q already exists in release version", t.Name))
	}
	return err
}

func (s *SQLStore) TemplatesByReleaseVersion(ctx context.Context, releaseVersionID int64) ([]*types.Template, error) {
	rows := []*templateRow{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM templates WHERE release_version_id = $1 ORDER BY name`, releaseVersionID)
	if err != nil {
		return nil, err
	}
	templates := make([]*types.Template, 0, len(rows))
	for _, row := range rows {
		t := row.Template
		if len(row.PackagesJSON) > 0 {
			if err := json.Unmarshal(row.PackagesJSON, &t.Packages); err != nil {
				return nil, fmt.Errorf("failed to decode packages of template %s: %w", t.Name, err)
			}
		}
		templates = append(templates, &t)
	}
	return templates, nil
}

func (s *SQLStore) CreateCompiledPackage(ctx context.Context, cp *types.CompiledPackage) error {
	err := s.db.GetContext(ctx, &cp.ID,
		`INSERT INTO compiled_packages (package_id, stemcell_id, sha1, blobstore_id, dependency_key)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		cp.PackageID, cp.StemcellID, cp.SHA1, cp.BlobstoreID, cp.DependencyKey)
	if isUniqueViolation(err) {
		return direrrors.ValidationFailed("compiled package already exists")
	}
	return err
}

func (s *SQLStore) FindCompiledPackage(ctx context.Context, packageID, stemcellID int64, dependencyKey string) (*types.CompiledPackage, bool, error) {
	cp := &types.CompiledPackage{}
	err := s.db.GetContext(ctx, cp,
		`SELECT * FROM compiled_packages
		 WHERE package_id = $1 AND stemcell_id = $2 AND dependency_key = $3`,
		packageID, stemcellID, dependencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cp, true, nil
}

func (s *SQLStore) CompiledPackagesByRelease(ctx context.Context, releaseID int64) ([]*types.CompiledPackage, error) {
	cps := []*types.CompiledPackage{}
	return cps, s.db.SelectContext(ctx, &cps,
		`SELECT cp.* FROM compiled_packages cp
		 JOIN packages p ON p.id = cp.package_id
		 JOIN release_versions rv ON rv.id = p.release_version_id
		 WHERE rv.release_id = $1`, releaseID)
}

func (s *SQLStore) CompiledPackagesByStemcell(ctx context.Context, stemcellID int64) ([]*types.CompiledPackage, error) {
	cps := []*types.CompiledPackage{}
	return cps, s.db.SelectContext(ctx, &cps,
		`SELECT * FROM compiled_packages WHERE stemcell_id = $1`, stemcellID)
}

// ---- stemcells ----

func (s *SQLStore) CreateStemcell(ctx context.Context, sc *types.Stemcell) error {
	err := s.db.GetContext(ctx, &sc.ID,
		`INSERT INTO stemcells (name, version, cid, sha1) VALUES ($1, $2, $3, $4) RETURNING id`,
		sc.Name, sc.Version, sc.CID, sc.SHA1)
	if isUniqueViolation(err) {
		return direrrors.ValidationFailed(fmt.Sprintf("stemcell %s/%s already exists", sc.Name, sc.Version))
	}
	return err
}

func (s *SQLStore) GetStemcell(ctx context.Context, name, version string) (*types.Stemcell, error) {
	sc, found, err := s.FindStemcell(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, direrrors.NotFound("stemcell", fmt.Sprintf("%s/%s", name, version))
	}
	return sc, nil
}

func (s *SQLStore) FindStemcell(ctx context.Context, name, version string) (*types.Stemcell, bool, error) {
	sc := &types.Stemcell{}
	err := s.db.GetContext(ctx, sc,
		`SELECT * FROM stemcells WHERE name = $1 AND version = $2`, name, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sc, true, nil
}

func (s *SQLStore) ListStemcells(ctx context.Context) ([]*types.Stemcell, error) {
	stemcells := []*types.Stemcell{}
	return stemcells, s.db.SelectContext(ctx, &stemcells,
		`SELECT * FROM stemcells ORDER BY name, version`)
}

func (s *SQLStore) DeleteStemcell(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM stemcells WHERE id = $1`, id)
	return err
}

func (s *SQLStore) StemcellDeployments(ctx context.Context, name, version string) ([]string, error) {
	names := []string{}
	return names, s.db.SelectContext(ctx, &names,
		`SELECT DISTINCT d.name FROM deployments d
		 JOIN deployments_stemcells ds ON ds.deployment_id = d.id
		 JOIN stemcells s ON s.id = ds.stemcell_id
		 WHERE s.name = $1 AND s.version = $2 ORDER BY d.name`, name, version)
}
