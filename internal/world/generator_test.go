package world

import (
	"testing"

	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world/block"
)

func chunksEqual(a, b *Chunk) bool {
	for x := 0; x < ChunkSize; x++ {
		for y := 0; y < ChunkSize; y++ {
			for z := 0; z < ChunkSize; z++ {
				local := vec.Vec3{X: x, Y: y, Z: z}
				if a.GetBlock(local) != b.GetBlock(local) {
					return false
				}
			}
		}
	}
	return true
}

func TestGeneratorDeterminism(t *testing.T) {
	coords := vec.Vec3{X: 3, Y: 0, Z: -7}

	// Два независимых генератора с одним сидом дают идентичные чанки
	g1 := NewGenerator(12345)
	g2 := NewGenerator(12345)
	if !chunksEqual(g1.GenerateChunk(coords), g2.GenerateChunk(coords)) {
		t.Error("Генераторы с одинаковым сидом дали разные чанки")
	}

	// Повторная генерация тем же генератором тоже детерминирована
	if !chunksEqual(g1.GenerateChunk(coords), g1.GenerateChunk(coords)) {
		t.Error("Повторная генерация того же чанка дала другой результат")
	}
}

func TestGeneratorSeedSensitivity(t *testing.T) {
	coords := vec.Vec3{X: 0, Y: 0, Z: 0}
	g1 := NewGenerator(1)
	g2 := NewGenerator(2)
	if chunksEqual(g1.GenerateChunk(coords), g2.GenerateChunk(coords)) {
		t.Error("Разные сиды дали идентичный чанк на нулевых координатах")
	}
}

func TestGeneratorUniformChunks(t *testing.T) {
	g := NewGenerator(42)

	// Чанк глубоко под землёй состоит из камня и должен быть униформным
	deep := g.GenerateChunk(vec.Vec3{X: 0, Y: -20, Z: 0})
	if id, ok := deep.IsUniform(); !ok || id != block.StoneBlockID {
		t.Errorf("Глубинный чанк: ожидался униформный камень, получено (%d, %v)", id, ok)
	}

	// Чанк высоко в небе — униформный воздух
	sky := g.GenerateChunk(vec.Vec3{X: 0, Y: 20, Z: 0})
	if id, ok := sky.IsUniform(); !ok || id != block.AirBlockID {
		t.Errorf("Небесный чанк: ожидался униформный воздух, получено (%d, %v)", id, ok)
	}
}

func TestGeneratorFreshChunkVersionZero(t *testing.T) {
	g := NewGenerator(7)
	chunk := g.GenerateChunk(vec.Vec3{X: 1, Y: 0, Z: 1})
	if chunk.Version() != 0 {
		t.Errorf("Свежесгенерированный чанк должен иметь версию 0, получено %d", chunk.Version())
	}
}

func TestSurfaceBlockBiomes(t *testing.T) {
	surfaceY := SeaLevel + 10

	cases := []struct {
		name  string
		wy    int
		depth int
		biome float64
		want  block.BlockID
	}{
		{"равнина", surfaceY, 0, 0.5, block.GrassBlockID},
		{"пустыня", surfaceY, 0, 0.1, block.SandBlockID},
		{"снег", surfaceY, 0, 0.9, block.SnowBlockID},
		{"береговая линия в любом биоме", SeaLevel, 0, 0.9, block.SandBlockID},
		{"подповерхностный слой равнины", surfaceY - 2, 2, 0.5, block.DirtBlockID},
		{"подповерхностный слой пустыни", surfaceY - 2, 2, 0.1, block.SandBlockID},
		{"глубина", surfaceY - 10, 10, 0.1, block.StoneBlockID},
		{"выступ над базовой высотой", surfaceY + 1, -1, 0.5, block.StoneBlockID},
	}

	for _, tc := range cases {
		if got := surfaceBlock(tc.wy, tc.depth, tc.biome); got != tc.want {
			t.Errorf("%s: получен блок %d, ожидался %d", tc.name, got, tc.want)
		}
	}
}

func TestGeneratorValidBlocks(t *testing.T) {
	g := NewGenerator(9001)
	chunk := g.GenerateChunk(vec.Vec3{X: -2, Y: 0, Z: 5})
	for x := 0; x < ChunkSize; x++ {
		for y := 0; y < ChunkSize; y++ {
			for z := 0; z < ChunkSize; z++ {
				id := chunk.GetBlock(vec.Vec3{X: x, Y: y, Z: z})
				if !block.IsValidBlockID(id) {
					t.Fatalf("Сгенерирован незарегистрированный блок %d в (%d,%d,%d)", id, x, y, z)
				}
			}
		}
	}
}
