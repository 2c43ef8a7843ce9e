package world

import (
	"github.com/aquilax/go-perlin"
)

// Параметры шума Перлина
const (
	noiseAlpha   = 2.0      // Сглаживание шума
	noiseBeta    = 2.0      // Частота шума
	noiseOctaves = int32(3) // Количество октав
)

// noiseSet держит независимые генераторы шума для разных задач генерации.
// После создания таблицы перестановок только читаются, поэтому один набор
// безопасно использовать из нескольких воркеров одновременно.
type noiseSet struct {
	height      *perlin.Perlin // базовая высота рельефа (2D)
	compression *perlin.Perlin // вертикальное сжатие рельефа (2D)
	density     *perlin.Perlin // объёмная форма рельефа (3D)
	biome       *perlin.Perlin // распределение биомов (2D)
}

// newNoiseSet создает набор генераторов шума для указанного сида
func newNoiseSet(seed int64) *noiseSet {
	return &noiseSet{
		height:      perlin.NewPerlin(noiseAlpha, noiseBeta, noiseOctaves, seed),
		compression: perlin.NewPerlin(noiseAlpha, noiseBeta, noiseOctaves, seed+42),
		density:     perlin.NewPerlin(noiseAlpha, noiseBeta, noiseOctaves, seed+1337),
		biome:       perlin.NewPerlin(noiseAlpha, noiseBeta, noiseOctaves, seed+7),
	}
}

// noise01 преобразует значение шума из диапазона [-1, 1] в [0, 1]
func noise01(v float64) float64 {
	return (v + 1.0) / 2.0
}
