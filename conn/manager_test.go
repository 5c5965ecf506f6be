package conn

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"netrep"
	"netrep/config"
	"netrep/input"
	"netrep/metrics"
	"netrep/registry"
)

const posKind registry.ComponentKind = 1

type fakeWorld struct {
	mu        sync.Mutex
	nextLocal netrep.LocalEntity
	spawned   map[netrep.Entity]netrep.LocalEntity
	positions map[netrep.LocalEntity]float32
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{spawned: make(map[netrep.Entity]netrep.LocalEntity), positions: make(map[netrep.LocalEntity]float32)}
}

func (w *fakeWorld) Spawn(remote netrep.Entity) (netrep.LocalEntity, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextLocal++
	w.spawned[remote] = w.nextLocal
	return w.nextLocal, nil
}

func (w *fakeWorld) Despawn(local netrep.LocalEntity) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.positions, local)
	return nil
}

func testRegistry() *registry.Registry {
	reg := registry.New()
	reg.RegisterComponent(registry.ComponentVTable{
		Kind: posKind,
		Name: "position",
		Mode: registry.SyncFull,
		New:  func() proto.Message { return &wrapperspb.FloatValue{} },
		Apply: func(world any, entity netrep.LocalEntity, value proto.Message) error {
			fw := world.(*fakeWorld)
			fw.mu.Lock()
			defer fw.mu.Unlock()
			fw.positions[entity] = value.(*wrapperspb.FloatValue).GetValue()
			return nil
		},
	})
	return reg
}

func TestClientServerSpawnReplicatesOverManagers(t *testing.T) {
	reg := testRegistry()
	cfg := config.Defaults()

	server := NewServerPeer(reg, cfg, netrep.ClientID(1), input.NewServerBuffer(20))
	client := NewClient(reg, cfg)

	const group netrep.GroupID = 1
	server.Sender().BufferSpawn(group, netrep.Entity(42))
	require.NoError(t, server.Sender().BufferInsert(group, netrep.Entity(42), posKind, wrapperspb.Float(7.5)))

	now := time.Now()
	packets := server.SendPackets(now)
	require.NotEmpty(t, packets)

	for _, p := range packets {
		_, err := client.RecvPacket(now, p)
		require.NoError(t, err)
	}
	require.True(t, client.IsSynced())

	world := newFakeWorld()
	require.NoError(t, client.Receive(client.Clock().Tick(), world))

	require.Len(t, world.spawned, 1)
	var local netrep.LocalEntity
	for _, l := range world.spawned {
		local = l
	}
	require.Equal(t, float32(7.5), world.positions[local])
}

func TestClientInputReachesServerSharedBuffer(t *testing.T) {
	reg := testRegistry()
	cfg := config.Defaults()

	shared := input.NewServerBuffer(20)
	const peer netrep.ClientID = 7
	server := NewServerPeer(reg, cfg, peer, shared)
	client := NewClient(reg, cfg)

	inputTick := client.Clock().Tick()
	client.AddInput(inputTick, 0, []byte("jump"))
	now := time.Now()
	packets := client.SendPackets(now)
	require.NotEmpty(t, packets)

	for _, p := range packets {
		_, err := server.RecvPacket(now, p)
		require.NoError(t, err)
	}

	world := newFakeWorld()
	require.NoError(t, server.Receive(server.Clock().Tick(), world))

	sample, ok := shared.Get(peer, inputTick)
	require.True(t, ok)
	require.Equal(t, []byte("jump"), sample.Payload)
}

func TestManagerUpdateDetectsTimeout(t *testing.T) {
	reg := testRegistry()
	cfg := config.Defaults()
	cfg.Connection.TimeoutSeconds = 1

	client := NewClient(reg, cfg)
	server := NewServerPeer(reg, cfg, netrep.ClientID(1), input.NewServerBuffer(1))
	now := time.Now()

	packets := server.SendPackets(now)
	require.NotEmpty(t, packets)
	_, err := client.RecvPacket(now, packets[0])
	require.NoError(t, err)

	require.NoError(t, client.Update(now))
	require.Error(t, client.Update(now.Add(2*time.Second)))
	require.True(t, client.IsDisconnected())
}

func TestManagerUpdateTimeoutIncrementsDisconnectMetric(t *testing.T) {
	reg := testRegistry()
	cfg := config.Defaults()
	cfg.Connection.TimeoutSeconds = 1

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.New(promReg)

	client := NewClient(reg, cfg)
	client.SetMetrics(metricsReg)
	now := time.Now()

	require.NoError(t, client.Update(now))
	require.Error(t, client.Update(now.Add(2*time.Second)))
	require.Equal(t, float64(1), testutil.ToFloat64(metricsReg.Disconnects.WithLabelValues("timeout")))
}
