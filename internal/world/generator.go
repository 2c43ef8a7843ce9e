package world

import (
	"math/rand"

	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world/block"
)

// Константы рельефа
const (
	SeaLevel = 0 // Уровень моря в мировых координатах Y

	baseHeightScale  = 0.004  // Масштаб шума базовой высоты
	compressionScale = 0.002  // Масштаб шума вертикального сжатия
	densityScale     = 0.03   // Масштаб объёмного шума
	biomeScale       = 0.0015 // Масштаб шума биомов
	baseHeightAmp    = 40.0   // Амплитуда базовой высоты в блоках
	maxStretch       = 48.0   // Максимальное отклонение рельефа от базовой высоты

	// Пороги биомов по значению шума в [0, 1]
	biomeDesertMax = 0.30 // ниже — пустыня
	biomeSnowMin   = 0.72 // выше — снежные равнины

	treeChance = 0.02 // Шанс дерева на колонку травы
)

// Generator детерминированно превращает координаты чанка в содержимое чанка.
// Никакого изменяемого состояния после конструктора: один экземпляр безопасно
// делится между воркерами, повторная генерация — легальный fallback при
// повреждении сохранённого блоба.
type Generator struct {
	seed  int64
	noise *noiseSet
}

// NewGenerator создаёт генератор мира для указанного сида
func NewGenerator(seed int64) *Generator {
	return &Generator{
		seed:  seed,
		noise: newNoiseSet(seed),
	}
}

// Seed возвращает сид генератора
func (g *Generator) Seed() int64 {
	return g.seed
}

// GenerateChunk генерирует чанк по его координатам. Вызов чистый: одинаковые
// сид и координаты всегда дают идентичный чанк.
func (g *Generator) GenerateChunk(coords vec.Vec3) *Chunk {
	origin := coords.ChunkOrigin()

	// Высота, сжатие и биом считаются один раз на колонку
	var heights [ChunkSize][ChunkSize]int
	var stretches [ChunkSize][ChunkSize]float64
	var biomes [ChunkSize][ChunkSize]float64
	for x := 0; x < ChunkSize; x++ {
		for z := 0; z < ChunkSize; z++ {
			wx := float64(origin.X + x)
			wz := float64(origin.Z + z)
			heights[x][z] = SeaLevel + int(g.noise.height.Noise2D(wx*baseHeightScale, wz*baseHeightScale)*baseHeightAmp)
			stretches[x][z] = noise01(g.noise.compression.Noise2D(wx*compressionScale, wz*compressionScale)) * maxStretch
			biomes[x][z] = noise01(g.noise.biome.Noise2D(wx*biomeScale, wz*biomeScale))
		}
	}

	chunk := NewChunk(coords)
	uniform := true
	var uniformID block.BlockID
	first := true

	for x := 0; x < ChunkSize; x++ {
		for z := 0; z < ChunkSize; z++ {
			baseHeight := heights[x][z]
			stretch := stretches[x][z]
			biome := biomes[x][z]
			for y := 0; y < ChunkSize; y++ {
				wy := origin.Y + y
				id := g.blockAt(origin.X+x, wy, origin.Z+z, baseHeight, stretch, biome)

				idx := BlockIndex(vec.Vec3{X: x, Y: y, Z: z})
				chunk.fillGenerated(idx, id, 0)

				if first {
					uniformID = id
					first = false
				} else if id != uniformID {
					uniform = false
				}
			}
		}
	}

	if uniform {
		return NewUniformChunk(coords, uniformID)
	}

	g.placeDecorations(chunk, coords, heights)
	return chunk
}

// blockAt выбирает блок для мировой позиции по высоте колонки, плотности
// и биому
func (g *Generator) blockAt(wx, wy, wz, baseHeight int, stretch, biome float64) block.BlockID {
	// Расстояние до базовой высоты штрафует плотность: чем дальше от
	// поверхности, тем увереннее либо камень (вниз), либо воздух (вверх).
	distance := float64(wy - baseHeight)
	density := g.noise.density.Noise3D(
		float64(wx)*densityScale,
		float64(wy)*densityScale,
		float64(wz)*densityScale,
	)

	solid := density-distance/(stretch+1.0) > 0
	if distance <= -maxStretch {
		solid = true
	}
	if distance >= maxStretch {
		solid = false
	}

	if !solid {
		if wy <= SeaLevel {
			return block.WaterBlockID
		}
		return block.AirBlockID
	}

	return surfaceBlock(wy, baseHeight-wy, biome)
}

// surfaceBlock выбирает твёрдый блок по глубине от поверхности колонки и
// биому: пустыня кладёт песок вместо травы и земли, снежные равнины — снег
// поверх земли. Береговая линия всегда песчаная.
func surfaceBlock(wy, depth int, biome float64) block.BlockID {
	switch {
	case depth < 0:
		return block.StoneBlockID // выступ рельефа выше базовой высоты
	case depth == 0:
		if wy <= SeaLevel+1 {
			return block.SandBlockID // береговая линия
		}
		switch {
		case biome < biomeDesertMax:
			return block.SandBlockID
		case biome > biomeSnowMin:
			return block.SnowBlockID
		default:
			return block.GrassBlockID
		}
	case depth <= 3:
		if biome < biomeDesertMax {
			return block.SandBlockID
		}
		return block.DirtBlockID
	default:
		return block.StoneBlockID
	}
}

// placeDecorations сажает деревья по детерминированному RNG чанка.
// Сид фичей выводится из мирового сида и координат, поэтому повторная
// генерация ставит деревья в те же места.
func (g *Generator) placeDecorations(chunk *Chunk, coords vec.Vec3, heights [ChunkSize][ChunkSize]int) {
	rng := rand.New(rand.NewSource(featureSeed(g.seed, coords)))
	origin := coords.ChunkOrigin()

	for x := 0; x < ChunkSize; x++ {
		for z := 0; z < ChunkSize; z++ {
			if rng.Float64() >= treeChance {
				continue
			}

			surfaceY := heights[x][z] - origin.Y
			if surfaceY < 0 || surfaceY+1 >= ChunkSize {
				continue // поверхность колонки вне этого чанка
			}

			ground := vec.Vec3{X: x, Y: surfaceY, Z: z}
			if chunk.blocks[BlockIndex(ground)] != block.GrassBlockID {
				continue
			}

			trunkHeight := 3 + rng.Intn(3)
			for dy := 1; dy <= trunkHeight && surfaceY+dy < ChunkSize; dy++ {
				idx := BlockIndex(vec.Vec3{X: x, Y: surfaceY + dy, Z: z})
				if dy == trunkHeight {
					chunk.fillGenerated(idx, block.LeavesBlockID, 0)
				} else {
					chunk.fillGenerated(idx, block.WoodBlockID, 0)
				}
			}
		}
	}
}

// featureSeed сворачивает мировой сид и координаты чанка в сид декораций
func featureSeed(seed int64, coords vec.Vec3) int64 {
	h := uint64(seed)
	for _, c := range [3]int{coords.X, coords.Y, coords.Z} {
		h ^= uint64(int64(c))
		h *= 0x9E3779B97F4A7C15
		h ^= h >> 31
	}
	return int64(h)
}
