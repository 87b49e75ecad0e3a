package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/agentmesh/agentmesh/mesh"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(DefaultConfig(), zap.NewNop(), nil)
}

func card(name, module string, external bool, skills ...string) *mesh.MeshAgentCard {
	c := mesh.NewMeshAgentCard(name, name+" agent", "http://"+name+".local", "1.0.0")
	c.Module = module
	c.IsExternal = external
	for _, s := range skills {
		c.AddSkill(s, s, "")
	}
	return c
}

func TestRegistry_RegisterIsIdempotentUpsert(t *testing.T) {
	r := newTestRegistry(t)

	first := card("alpha", "research", false, "search")
	require.NoError(t, r.Register(first))

	// Re-registering the same name is an update, not an error.
	second := card("alpha", "analysis", false, "summarize")
	require.NoError(t, r.Register(second))

	assert.Len(t, r.ListAll(), 1)

	got, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "analysis", got.Module)
	assert.True(t, got.HasSkill("summarize"))
	assert.False(t, got.HasSkill("search"))
	assert.Equal(t, mesh.HealthHealthy, got.Health)
}

func TestRegistry_RegisterRejectsInvalidCard(t *testing.T) {
	r := newTestRegistry(t)
	assert.ErrorIs(t, r.Register(nil), mesh.ErrInvalidCard)
	assert.ErrorIs(t, r.Register(&mesh.MeshAgentCard{}), mesh.ErrInvalidCard)
}

func TestRegistry_RegisterResetsHealth(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(card("alpha", "", false)))
	require.True(t, r.SetHealth("alpha", mesh.HealthUnhealthy))

	require.NoError(t, r.Register(card("alpha", "", false)))
	got, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, mesh.HealthHealthy, got.Health)
}

func TestRegistry_Unregister(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(card("alpha", "", false)))

	assert.True(t, r.Unregister("alpha"))
	assert.False(t, r.Unregister("alpha"))
	assert.False(t, r.Unregister("never-existed"))

	_, err := r.Get("alpha")
	assert.ErrorIs(t, err, mesh.ErrAgentNotFound)
}

func TestRegistry_GetBumpsLastSeen(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(card("alpha", "", false)))

	first, err := r.Get("alpha")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	second, err := r.Get("alpha")
	require.NoError(t, err)

	assert.True(t, second.LastSeen.After(first.LastSeen) || second.LastSeen.Equal(first.LastSeen))
	assert.True(t, second.LastSeen.After(first.CreatedAt))
}

func TestRegistry_SnapshotsAreIsolated(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(card("alpha", "research", false, "search")))

	snap, err := r.Get("alpha")
	require.NoError(t, err)
	snap.Health = mesh.HealthUnhealthy
	snap.Module = "tampered"
	snap.Skills[0].ID = "tampered"

	fresh, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, mesh.HealthHealthy, fresh.Health)
	assert.Equal(t, "research", fresh.Module)
	assert.Equal(t, "search", fresh.Skills[0].ID)
}

func TestRegistry_ListFilters(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(card("internal-a", "research", false, "search")))
	require.NoError(t, r.Register(card("internal-b", "analysis", false, "summarize")))
	require.NoError(t, r.Register(card("external-a", "research", true, "search")))
	require.True(t, r.SetHealth("internal-b", mesh.HealthUnhealthy))

	assert.Len(t, r.ListAll(), 3)
	assert.Len(t, r.ListByModule("research"), 2)
	assert.Len(t, r.ListByCapability("search"), 2)
	assert.Len(t, r.ListExternal(), 1)
	assert.Len(t, r.ListInternal(), 2)

	healthy := r.ListHealthy()
	assert.Len(t, healthy, 2)
	for _, c := range healthy {
		assert.NotEqual(t, "internal-b", c.Name)
	}
}

func TestRegistry_SetHealthUnknownAgent(t *testing.T) {
	r := newTestRegistry(t)
	assert.False(t, r.SetHealth("ghost", mesh.HealthHealthy))
	assert.False(t, r.UpdateHealth("ghost", true))
}

func TestRegistry_Events(t *testing.T) {
	r := newTestRegistry(t)
	id, events := r.Subscribe()
	defer r.Unsubscribe(id)

	require.NoError(t, r.Register(card("alpha", "", false)))
	require.True(t, r.UpdateHealth("alpha", false))
	require.True(t, r.Unregister("alpha"))

	ev := <-events
	assert.Equal(t, EventRegister, ev.Kind)
	assert.Equal(t, "alpha", ev.AgentName)
	assert.Equal(t, mesh.HealthHealthy, ev.Health)

	ev = <-events
	assert.Equal(t, EventHealthUpdate, ev.Kind)
	assert.Equal(t, mesh.HealthUnhealthy, ev.Health)

	ev = <-events
	assert.Equal(t, EventUnregister, ev.Kind)
}

func TestRegistry_NoEventOnNoOpHealthTransition(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(card("alpha", "", false)))

	id, events := r.Subscribe()
	defer r.Unsubscribe(id)

	// Already healthy after registration: no event.
	require.True(t, r.SetHealth("alpha", mesh.HealthHealthy))

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v for no-op transition", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistry_SlowSubscriberDropsEvents(t *testing.T) {
	r := New(&Config{EventBufferSize: 1}, zap.NewNop(), nil)
	id, events := r.Subscribe()
	defer r.Unsubscribe(id)

	// Nobody reads: the publisher must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = r.Register(card(fmt.Sprintf("agent-%d", i), "", false))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on full subscriber buffer")
	}

	// Exactly the buffered event survived.
	assert.Len(t, events, 1)
	assert.Len(t, r.ListAll(), 10)
}

func TestRegistry_Stats(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(card("internal-a", "research", false)))
	require.NoError(t, r.Register(card("external-a", "research", true)))
	require.NoError(t, r.Register(card("external-b", "", true)))
	require.True(t, r.SetHealth("external-b", mesh.HealthDegraded))

	stats := r.Stats()
	assert.Equal(t, 3, stats.TotalAgents)
	assert.Equal(t, 1, stats.Internal)
	assert.Equal(t, 2, stats.External)
	assert.Equal(t, 2, stats.ByHealth[mesh.HealthHealthy])
	assert.Equal(t, 1, stats.ByHealth[mesh.HealthDegraded])
	assert.Equal(t, 2, stats.ByModule["research"])
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Half the goroutines fight over the same name.
			name := "shared"
			if i%2 == 0 {
				name = fmt.Sprintf("agent-%d", i)
			}
			_ = r.Register(card(name, "", false))
			_, _ = r.Get(name)
		}(i)
	}
	wg.Wait()

	// 25 unique names plus the single shared entry.
	assert.Len(t, r.ListAll(), 26)
}

func TestRegistry_RegistrationIdempotencyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := New(DefaultConfig(), zap.NewNop(), nil)
		names := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,8}`), 1, 20).Draw(t, "names")

		unique := make(map[string]bool)
		for _, name := range names {
			if err := r.Register(card(name, "", false)); err != nil {
				t.Fatalf("register %q: %v", name, err)
			}
			unique[name] = true
		}

		if got := len(r.ListAll()); got != len(unique) {
			t.Fatalf("expected %d entries, got %d", len(unique), got)
		}
	})
}
