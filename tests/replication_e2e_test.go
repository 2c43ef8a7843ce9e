package tests

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codingwatching/fmc/internal/replication"
	"github.com/codingwatching/fmc/internal/storage"
	"github.com/codingwatching/fmc/internal/transport"
	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world"
	"github.com/codingwatching/fmc/internal/world/block"
)

// replicaClient моделирует клиента: принимает кадры через loopback-канал,
// распаковывает, подтверждает версии и ведёт учёт полученного.
type replicaClient struct {
	ch         transport.NetChannel
	compressor replication.PayloadCompressor

	mu      sync.Mutex
	fulls   map[vec.Vec3]uint64 // coords -> версия полной передачи
	deltas  []replication.ChunkDeltaMsg
	unloads []vec.Vec3
	done    chan struct{}
}

func newReplicaClient(t *testing.T, ch transport.NetChannel) *replicaClient {
	t.Helper()

	compressor, err := replication.NewZstdCompressor()
	require.NoError(t, err)

	rc := &replicaClient{
		ch:         ch,
		compressor: compressor,
		fulls:      make(map[vec.Vec3]uint64),
		done:       make(chan struct{}),
	}
	go rc.loop()
	return rc
}

func (rc *replicaClient) loop() {
	defer close(rc.done)
	for {
		frame, err := rc.ch.Receive()
		if err != nil {
			return
		}
		data, err := rc.compressor.Decompress(frame)
		if err != nil {
			continue
		}
		msg, err := replication.DecodeMessage(data)
		if err != nil {
			continue
		}

		switch msg.Type {
		case replication.MsgChunkFull:
			var full replication.ChunkFullMsg
			if json.Unmarshal(msg.Payload, &full) != nil {
				continue
			}
			rc.mu.Lock()
			rc.fulls[full.Coords] = full.Version
			rc.mu.Unlock()
			rc.ack(full.Coords, full.Version)

		case replication.MsgChunkDelta:
			var delta replication.ChunkDeltaMsg
			if json.Unmarshal(msg.Payload, &delta) != nil {
				continue
			}
			rc.mu.Lock()
			rc.deltas = append(rc.deltas, delta)
			rc.mu.Unlock()
			rc.ack(delta.Coords, delta.Version)

		case replication.MsgChunkUnload:
			var unload replication.ChunkUnloadMsg
			if json.Unmarshal(msg.Payload, &unload) != nil {
				continue
			}
			rc.mu.Lock()
			rc.unloads = append(rc.unloads, unload.Coords)
			rc.mu.Unlock()
		}
	}
}

func (rc *replicaClient) ack(coords vec.Vec3, version uint64) {
	data, err := replication.EncodeMessage(replication.MsgAck, replication.AckMsg{Coords: coords, Version: version})
	if err != nil {
		return
	}
	frame, err := rc.compressor.Compress(data)
	if err != nil {
		return
	}
	_ = rc.ch.Send(frame)
}

func (rc *replicaClient) fullCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.fulls)
}

func (rc *replicaClient) deltaFor(coords vec.Vec3) []replication.ChunkDeltaMsg {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	var out []replication.ChunkDeltaMsg
	for _, d := range rc.deltas {
		if d.Coords == coords {
			out = append(out, d)
		}
	}
	return out
}

func (rc *replicaClient) unloadCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.unloads)
}

// serverPump читает acks клиента и скармливает их сервису.
func serverPump(t *testing.T, svc *replication.Service, sess *replication.Session, ch transport.NetChannel) {
	t.Helper()

	compressor, err := replication.NewZstdCompressor()
	require.NoError(t, err)

	go func() {
		for {
			frame, err := ch.Receive()
			if err != nil {
				return
			}
			data, err := compressor.Decompress(frame)
			if err != nil {
				continue
			}
			msg, err := replication.DecodeMessage(data)
			if err != nil || msg.Type != replication.MsgAck {
				continue
			}
			var ack replication.AckMsg
			if json.Unmarshal(msg.Payload, &ack) != nil {
				continue
			}
			_ = svc.HandleAck(sess.ID, ack)
		}
	}()
}

// TestReplicationEndToEnd: полный путь сервер → loopback-канал → клиент.
// Клиент получает полные передачи зоны интереса, подтверждает их и затем
// получает дельту изменённого блока.
func TestReplicationEndToEnd(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(storage.StoreOptions{Path: dir, Seed: 1234})
	require.NoError(t, err)
	defer store.Close()

	engine := world.NewEngine(world.EngineConfig{
		Seed:          1234,
		Bounds:        world.Bounds{ChunkRadius: 16, MinChunkY: -1, MaxChunkY: 1},
		CacheCapacity: 256,
		Workers:       2,
		TickRate:      50,
	}, store)

	svc, err := replication.NewService(engine.Manager(), replication.ServiceConfig{ViewDistance: 1})
	require.NoError(t, err)
	engine.Subscribe(svc.HandleBlockChanges)
	engine.Start()
	defer func() { require.NoError(t, engine.Shutdown()) }()

	serverCh, clientCh := transport.Pair(256)
	sess := svc.Connect(serverCh)
	serverPump(t, svc, sess, serverCh)
	client := newReplicaClient(t, clientCh)

	// Игрок в центре мира: куб 3×3 по горизонтали, Y от -1 до 1
	require.NoError(t, svc.UpdatePosition(sess.ID, vec.Vec3{X: 0, Y: 0, Z: 0}))

	wantChunks := 3 * 3 * 3
	require.Eventually(t, func() bool {
		return client.fullCount() == wantChunks
	}, 5*time.Second, 20*time.Millisecond, "клиент должен получить полные передачи всей зоны интереса")

	// Мутация в центральном чанке превращается в дельту
	mutated := vec.Vec3{X: 8, Y: 8, Z: 8}
	_, err = engine.Manager().SetBlock(mutated, block.StoneBlockID)
	require.NoError(t, err)

	chunkCoords := world.ChunkPosOf(mutated)
	require.Eventually(t, func() bool {
		return len(client.deltaFor(chunkCoords)) == 1
	}, 5*time.Second, 20*time.Millisecond, "клиент должен получить дельту")

	deltas := client.deltaFor(chunkCoords)
	require.Len(t, deltas, 1)
	require.Len(t, deltas[0].Blocks, 1)
	assert.Equal(t, block.StoneBlockID, deltas[0].Blocks[0].ID)
	assert.Equal(t, world.BlockIndex(world.LocalOffset(mutated)), deltas[0].Blocks[0].Index)

	baseVersion, ok := clientFullVersion(client, chunkCoords)
	require.True(t, ok)
	assert.Greater(t, deltas[0].Version, baseVersion, "версия дельты должна расти от версии полной передачи")

	// Переезд далеко в сторону: старые чанки выгружаются
	require.NoError(t, svc.UpdatePosition(sess.ID, vec.Vec3{X: 160, Y: 0, Z: 160}))
	require.Eventually(t, func() bool {
		return client.unloadCount() >= wantChunks
	}, 5*time.Second, 20*time.Millisecond, "старая зона интереса должна выгрузиться")

	svc.Disconnect(sess.ID)
	require.NoError(t, clientCh.Close())
	<-client.done
}

func clientFullVersion(rc *replicaClient, coords vec.Vec3) (uint64, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.fulls[coords]
	return v, ok
}

// TestReplicationSequentialDeltas: несколько мутаций подряд доставляются
// дельтами со строго растущими версиями.
func TestReplicationSequentialDeltas(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(storage.StoreOptions{Path: dir, Seed: 77})
	require.NoError(t, err)
	defer store.Close()

	engine := world.NewEngine(world.EngineConfig{
		Seed:          77,
		Bounds:        world.Bounds{ChunkRadius: 8, MinChunkY: 0, MaxChunkY: 0},
		CacheCapacity: 64,
		Workers:       2,
		TickRate:      50,
	}, store)

	svc, err := replication.NewService(engine.Manager(), replication.ServiceConfig{ViewDistance: 1})
	require.NoError(t, err)
	engine.Subscribe(svc.HandleBlockChanges)
	engine.Start()
	defer func() { require.NoError(t, engine.Shutdown()) }()

	serverCh, clientCh := transport.Pair(256)
	sess := svc.Connect(serverCh)
	serverPump(t, svc, sess, serverCh)
	client := newReplicaClient(t, clientCh)

	require.NoError(t, svc.UpdatePosition(sess.ID, vec.Vec3{X: 0, Y: 0, Z: 0}))
	require.Eventually(t, func() bool {
		return client.fullCount() == 3*3
	}, 5*time.Second, 20*time.Millisecond)

	target := vec.Vec3{X: 4, Y: 4, Z: 4}
	chunkCoords := world.ChunkPosOf(target)
	ids := []block.BlockID{block.StoneBlockID, block.DirtBlockID, block.GrassBlockID}
	for i := 0; i < 3; i++ {
		_, err := engine.Manager().SetBlock(target, ids[i])
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return len(client.deltaFor(chunkCoords)) == i+1
		}, 5*time.Second, 10*time.Millisecond, "дельта %d должна дойти", i+1)
	}

	deltas := client.deltaFor(chunkCoords)
	require.Len(t, deltas, 3)
	for i := 1; i < len(deltas); i++ {
		assert.Greater(t, deltas[i].Version, deltas[i-1].Version,
			"версии дельт должны строго расти")
	}

	svc.Disconnect(sess.ID)
	require.NoError(t, clientCh.Close())
	<-client.done
}
