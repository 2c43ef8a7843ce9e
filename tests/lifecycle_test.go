package tests

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codingwatching/fmc/internal/storage"
	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world"
	"github.com/codingwatching/fmc/internal/world/block"
)

func newTestEngine(t *testing.T, path string, seed int64) (*world.Engine, *storage.ChunkStore) {
	t.Helper()

	store, err := storage.Open(storage.StoreOptions{Path: path, Seed: seed})
	require.NoError(t, err, "хранилище должно открываться")

	engine := world.NewEngine(world.EngineConfig{
		Seed:          seed,
		Bounds:        world.Bounds{ChunkRadius: 64, MinChunkY: -4, MaxChunkY: 4},
		CacheCapacity: 128,
		Workers:       2,
		TickRate:      50,
	}, store)
	return engine, store
}

// TestEngineLifecycle проверяет полный жизненный цикл движка: запуск,
// мутации, доставку изменений подписчику и чистую остановку.
func TestEngineLifecycle(t *testing.T) {
	dir := t.TempDir()
	engine, store := newTestEngine(t, dir, 42)
	defer store.Close()

	var mu sync.Mutex
	var received []world.BlockChange
	engine.Subscribe(func(tick uint64, changes []world.BlockChange) {
		mu.Lock()
		received = append(received, changes...)
		mu.Unlock()
	})

	engine.Start()

	pos := vec.Vec3{X: 5, Y: 20, Z: 5}
	_, err := engine.Manager().SetBlock(pos, block.StoneBlockID)
	require.NoError(t, err)

	// Подписчик получает изменение на ближайшем тике
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond, "изменение должно дойти до подписчика")

	mu.Lock()
	change := received[0]
	mu.Unlock()
	assert.Equal(t, block.StoneBlockID, change.New)
	assert.Equal(t, pos, change.WorldPos())

	got, err := engine.Manager().GetBlock(pos)
	require.NoError(t, err)
	assert.Equal(t, block.StoneBlockID, got)

	require.NoError(t, engine.Shutdown(), "остановка должна пройти без потерь")
}

// TestShutdownFlushesDirtyChunks: остановка движка сохраняет все грязные
// чанки, данные доступны после повторного открытия хранилища.
func TestShutdownFlushesDirtyChunks(t *testing.T) {
	dir := t.TempDir()
	engine, store := newTestEngine(t, dir, 42)

	engine.Start()

	// Десять мутаций в десяти разных чанках
	positions := make([]vec.Vec3, 0, 10)
	for i := 0; i < 10; i++ {
		pos := vec.Vec3{X: i * 16, Y: 10, Z: i * 16}
		positions = append(positions, pos)
		_, err := engine.Manager().SetBlock(pos, block.WoodBlockID)
		require.NoError(t, err)
	}

	require.NoError(t, engine.Shutdown())
	require.NoError(t, store.Close())

	// Повторное открытие: все мутации на месте
	store2, err := storage.Open(storage.StoreOptions{Path: dir, Seed: 42})
	require.NoError(t, err)
	defer store2.Close()

	for _, pos := range positions {
		chunkCoords := world.ChunkPosOf(pos)
		chunk, found, err := store2.Load(chunkCoords)
		require.NoError(t, err)
		require.True(t, found, "чанк %v должен быть сохранён", chunkCoords)
		assert.Equal(t, block.WoodBlockID, chunk.GetBlock(world.LocalOffset(pos)),
			"мутация в %v должна пережить перезапуск", pos)
	}
}

// TestEngineTickAdvances проверяет монотонный счётчик тиков.
func TestEngineTickAdvances(t *testing.T) {
	dir := t.TempDir()
	engine, store := newTestEngine(t, dir, 7)
	defer store.Close()

	engine.Start()

	require.Eventually(t, func() bool {
		return engine.Tick() >= 3
	}, 2*time.Second, 5*time.Millisecond, "тики должны идти")

	require.NoError(t, engine.Shutdown())
}
