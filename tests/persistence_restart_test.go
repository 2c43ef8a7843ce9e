package tests

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codingwatching/fmc/internal/storage"
	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world"
	"github.com/codingwatching/fmc/internal/world/block"
)

// TestRestartRecovery: мутации переживают полный перезапуск движка и
// читаются из хранилища, а не из генератора.
func TestRestartRecovery(t *testing.T) {
	dir := t.TempDir()

	pos := vec.Vec3{X: 33, Y: 12, Z: -7}

	// Первый запуск: мутация и остановка
	engine, store := newTestEngine(t, dir, 2024)
	engine.Start()
	_, err := engine.Manager().SetBlock(pos, block.SnowBlockID)
	require.NoError(t, err)
	require.NoError(t, engine.Shutdown())
	require.NoError(t, store.Close())

	// Второй запуск с тем же сидом: блок читается из хранилища
	engine2, store2 := newTestEngine(t, dir, 2024)
	engine2.Start()
	got, err := engine2.Manager().GetBlock(pos)
	require.NoError(t, err)
	assert.Equal(t, block.SnowBlockID, got, "мутация должна пережить перезапуск")
	require.NoError(t, engine2.Shutdown())
	require.NoError(t, store2.Close())
}

// TestSeedChangeRegeneratesWorld: открытие мира с другим сидом делает
// старые записи невидимыми — чанки регенерируются заново.
func TestSeedChangeRegeneratesWorld(t *testing.T) {
	dir := t.TempDir()
	coords := vec.Vec3{X: 2, Y: 0, Z: 2}

	engine, store := newTestEngine(t, dir, 111)
	engine.Start()
	pos := world.WorldPosOf(coords, vec.Vec3{X: 1, Y: 1, Z: 1})
	_, err := engine.Manager().SetBlock(pos, block.SnowBlockID)
	require.NoError(t, err)
	require.NoError(t, engine.Shutdown())
	require.NoError(t, store.Close())

	// Другой сид: сохранённая запись отвергается заголовком
	store2, err := storage.Open(storage.StoreOptions{Path: dir, Seed: 222})
	require.NoError(t, err)
	defer store2.Close()

	_, found, err := store2.Load(coords)
	require.NoError(t, err)
	assert.False(t, found, "запись от другого сида должна читаться как отсутствующая")
}

// TestMetaSurvivesReopen: world:meta сохраняет формат и сид между
// открытиями, инструменты могут открыть базу без знания сида.
func TestMetaSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := storage.Open(storage.StoreOptions{Path: dir, Seed: 555})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// UseStoredSeed: сид берётся из world:meta
	inspect, err := storage.Open(storage.StoreOptions{Path: dir, UseStoredSeed: true})
	require.NoError(t, err)
	defer inspect.Close()

	assert.Equal(t, int64(555), inspect.Meta().Seed)
	assert.Equal(t, uint32(storage.FormatVersion), inspect.Meta().Format)
}
