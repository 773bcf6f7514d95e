package fleet_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/codefleet/fleet"
	"github.com/hrygo/codefleet/store"
	"github.com/hrygo/codefleet/store/db/sqlite"
)

func testRegistry(t *testing.T) (*fleet.Registry, *store.Store) {
	t.Helper()
	driver, err := sqlite.NewDB(filepath.Join(t.TempDir(), "fleet_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })
	require.NoError(t, driver.Migrate(context.Background()))
	s := store.New(driver)
	return fleet.NewRegistry(s), s
}

func register(t *testing.T, r *fleet.Registry, m *store.Machine) *store.Machine {
	t.Helper()
	registered, err := r.Register(context.Background(), m)
	require.NoError(t, err)
	return registered
}

func TestAvailableFiltersOfflineAndFull(t *testing.T) {
	r, s := testRegistry(t)
	ctx := context.Background()

	register(t, r, &store.Machine{ID: "free", MaxConcurrent: 2})
	register(t, r, &store.Machine{ID: "full", MaxConcurrent: 1})
	require.NoError(t, r.Heartbeat(ctx, "full", 1))
	register(t, r, &store.Machine{ID: "silent", MaxConcurrent: 2})

	// Age the silent machine past the fresh window.
	_, err := s.GetDB().ExecContext(ctx,
		`UPDATE machine SET last_heartbeat_ts = ? WHERE id = ?`,
		time.Now().Add(-2*time.Minute).Unix(), "silent")
	require.NoError(t, err)

	available, err := r.Available(ctx)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, "free", available[0].ID)
}

func TestBestForProjectPrefersLocalCheckout(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	register(t, r, &store.Machine{ID: "idle", MaxConcurrent: 4})
	register(t, r, &store.Machine{ID: "has-repo", MaxConcurrent: 4, Projects: []string{"codefleet"}})
	require.NoError(t, r.Heartbeat(ctx, "has-repo", 2))

	// The loaded machine still wins when it has the project.
	best, err := r.BestForProject(ctx, "codefleet")
	require.NoError(t, err)
	assert.Equal(t, "has-repo", best.ID)

	// Without a project match the least-loaded machine wins.
	best, err = r.BestForProject(ctx, "unknown-project")
	require.NoError(t, err)
	assert.Equal(t, "idle", best.ID)

	empty, _ := testRegistry(t)
	_, err = empty.BestForProject(ctx, "codefleet")
	assert.ErrorIs(t, err, fleet.ErrNoMachine)
}

func TestBestForProjectRanksByFreeSlots(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	// "small" carries fewer tasks but has less slack than "big".
	register(t, r, &store.Machine{ID: "small", MaxConcurrent: 2})
	require.NoError(t, r.Heartbeat(ctx, "small", 1))
	register(t, r, &store.Machine{ID: "big", MaxConcurrent: 8})
	require.NoError(t, r.Heartbeat(ctx, "big", 3))

	best, err := r.BestForProject(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "big", best.ID, "free capacity beats raw task count")
}

func TestResolveAliasOrder(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	register(t, r, &store.Machine{ID: "mini", Name: "Mac Mini"})
	register(t, r, &store.Machine{ID: "studio", Name: "Mac Studio"})
	register(t, r, &store.Machine{ID: "win-box", Name: "Gaming PC"})

	got, err := r.Resolve(ctx, "MINI")
	require.NoError(t, err)
	assert.Equal(t, "mini", got.ID, "exact id beats name substring")

	got, err = r.Resolve(ctx, "mac studio")
	require.NoError(t, err)
	assert.Equal(t, "studio", got.ID)

	got, err = r.Resolve(ctx, "gaming")
	require.NoError(t, err)
	assert.Equal(t, "win-box", got.ID)

	got, err = r.Resolve(ctx, "box")
	require.NoError(t, err)
	assert.Equal(t, "win-box", got.ID, "id substring as last resort")

	_, err = r.Resolve(ctx, "mac")
	require.Error(t, err, "ambiguous substring must not guess")

	_, err = r.Resolve(ctx, "nothing-here")
	assert.ErrorIs(t, err, fleet.ErrNoMachine)

	_, err = r.Resolve(ctx, "  ")
	require.Error(t, err)
}
