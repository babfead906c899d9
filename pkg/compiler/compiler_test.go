package compiler

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/drydock/pkg/agent"
	"github.com/meridianhq/drydock/pkg/bus"
	"github.com/meridianhq/drydock/pkg/cloud/dummy"
	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/lock"
	"github.com/meridianhq/drydock/pkg/metrics"
	"github.com/meridianhq/drydock/pkg/plan"
	"github.com/meridianhq/drydock/pkg/store"
	"github.com/meridianhq/drydock/pkg/task"
	"github.com/meridianhq/drydock/pkg/types"
)

const compileManifest = `
name: prod
release:
  name: app
  version: "1"
compilation:
  workers: 2
  network: default
networks:
  - name: default
    subnets:
      - range: 10.0.0.0/24
        gateway: 10.0.0.1
resource_pools:
  - name: small
    size: 1
    network: default
    stemcell:
      name: ubuntu-stemcell
      version: "0.1"
jobs:
  - name: web
    template: web
    instances: 1
    resource_pool: small
    networks:
      - name: default
`

// seedDAG loads the release app/1 with the compile graph
// B and C depend on A, D depends on B and C, E stands alone.
func seedDAG(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()

	rel, err := s.CreateRelease(ctx, "app")
	require.NoError(t, err)
	rv, err := s.CreateReleaseVersion(ctx, rel.ID, "1")
	require.NoError(t, err)

	pkgs := []struct {
		name string
		deps []string
	}{
		{"A", nil},
		{"B", []string{"A"}},
		{"C", []string{"A"}},
		{"D", []string{"B", "C"}},
		{"E", nil},
	}
	for _, p := range pkgs {
		require.NoError(t, s.CreatePackage(ctx, &types.Package{
			ReleaseVersionID: rv.ID,
			Name:             p.name,
			Version:          "1",
			Fingerprint:      "fp-" + p.name,
			SHA1:             "sha-" + p.name,
			BlobstoreID:      "blob-" + p.name,
			Dependencies:     p.deps,
		}))
	}
	require.NoError(t, s.CreateTemplate(ctx, &types.Template{
		ReleaseVersionID: rv.ID, Name: "web", Version: "1", Fingerprint: "fp-web",
		SHA1: "sha-web", BlobstoreID: "blob-web", Packages: []string{"D", "E"},
	}))
	return s
}

// seedStemcell records the stemcell in both the dummy cloud world and the
// registry, the way an upload task would.
func seedStemcell(t *testing.T, s *store.MemoryStore, cloud *dummy.Provider) {
	t.Helper()
	ctx := context.Background()
	cid, err := cloud.CreateStemcell(ctx, "image", nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateStemcell(ctx, &types.Stemcell{
		Name: "ubuntu-stemcell", Version: "0.1", CID: cid,
	}))
}

func newCompiler(t *testing.T, s *store.MemoryStore) *Compiler {
	t.Helper()
	b := bus.NewMemory()
	t.Cleanup(b.Close)

	cloud, err := dummy.NewProvider(t.TempDir(), b)
	require.NoError(t, err)
	t.Cleanup(func() { cloud.Close() })
	seedStemcell(t, s, cloud)

	agents := agent.NewClient(b, "test-director", agent.Options{
		ReplyTimeout: time.Second,
		TaskPollMax:  10 * time.Millisecond,
	})
	locks := lock.NewManager(s, time.Second, 5*time.Second)
	return New(s, locks, cloud, agents, 3)
}

func compilePlan(t *testing.T, s *store.MemoryStore) *plan.Plan {
	t.Helper()
	m, err := plan.ParseManifest([]byte(compileManifest))
	require.NoError(t, err)
	p, err := plan.New(context.Background(), s, m, compileManifest)
	require.NoError(t, err)
	return p
}

func TestCompileBuildsWholeDAG(t *testing.T) {
	ctx := context.Background()
	s := seedDAG(t)
	c := newCompiler(t, s)
	p := compilePlan(t, s)

	result, err := c.Compile(ctx, p, task.NewEventLog(io.Discard))
	require.NoError(t, err)

	specs := result.SpecsFor(p.Jobs[0])
	require.Len(t, specs, 5)
	for _, name := range []string{"A", "B", "C", "D", "E"} {
		spec, ok := specs[name]
		require.True(t, ok, "package %s missing", name)
		sum := sha1.Sum([]byte(name + "/1"))
		assert.Equal(t, hex.EncodeToString(sum[:]), spec.SHA1)
		assert.NotEmpty(t, spec.BlobstoreID)
	}
}

func TestCompileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := seedDAG(t)
	c := newCompiler(t, s)
	p := compilePlan(t, s)

	compiled := testutil.ToFloat64(metrics.CompilationsTotal)
	_, err := c.Compile(ctx, p, task.NewEventLog(io.Discard))
	require.NoError(t, err)
	assert.Equal(t, float64(5), testutil.ToFloat64(metrics.CompilationsTotal)-compiled)

	// second run finds everything in the cache and does no agent work
	compiled = testutil.ToFloat64(metrics.CompilationsTotal)
	hits := testutil.ToFloat64(metrics.CompilationCacheHits)
	result, err := c.Compile(ctx, compilePlan(t, s), task.NewEventLog(io.Discard))
	require.NoError(t, err)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.CompilationsTotal)-compiled)
	assert.Equal(t, float64(5), testutil.ToFloat64(metrics.CompilationCacheHits)-hits)
	assert.Len(t, result.SpecsFor(compilePlan(t, s).Jobs[0]), 5)
}

func TestDependencyKeyTracksTransitiveDeps(t *testing.T) {
	packages := map[string]*types.Package{
		"A": {Name: "A", Version: "1", Fingerprint: "fp-A"},
		"B": {Name: "B", Version: "1", Fingerprint: "fp-B", Dependencies: []string{"A"}},
		"D": {Name: "D", Version: "1", Fingerprint: "fp-D", Dependencies: []string{"B"}},
	}

	keyD := dependencyKey(packages["D"], packages)

	// a change to B's sources shows up in D's key through the fingerprint
	packages["B"] = &types.Package{Name: "B", Version: "2", Fingerprint: "fp-B2", Dependencies: []string{"A"}}
	assert.NotEqual(t, keyD, dependencyKey(packages["D"], packages))

	// A's key has no dependencies and never moves
	assert.Equal(t, dependencyKey(packages["A"], packages), dependencyKey(packages["A"], packages))
}

func TestCompileFailureCarriesPackage(t *testing.T) {
	ctx := context.Background()
	s := seedDAG(t)

	// VM creation succeeds but the agents live on a different bus and
	// never answer, so the first compile fails
	agentBus := bus.NewMemory()
	t.Cleanup(agentBus.Close)
	cloud, err := dummy.NewProvider(t.TempDir(), agentBus)
	require.NoError(t, err)
	t.Cleanup(func() { cloud.Close() })
	seedStemcell(t, s, cloud)

	deadBus := bus.NewMemory()
	t.Cleanup(deadBus.Close)
	agents := agent.NewClient(deadBus, "test-director", agent.Options{
		ReplyTimeout: 20 * time.Millisecond,
		TaskPollMax:  10 * time.Millisecond,
	})
	locks := lock.NewManager(s, time.Second, 5*time.Second)
	c := New(s, locks, cloud, agents, 1)

	_, err = c.Compile(ctx, compilePlan(t, s), task.NewEventLog(io.Discard))
	require.Error(t, err)
	assert.Equal(t, direrrors.CodeCompilationFailed, direrrors.CodeOf(err))
}
