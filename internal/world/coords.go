package world

import (
	"github.com/codingwatching/fmc/internal/vec"
)

// Размеры чанка. Сторона — степень двойки, поэтому деление и остаток
// выражаются сдвигом и маской с floor-семантикой для отрицательных координат.
const (
	ChunkSize   = 16
	ChunkVolume = ChunkSize * ChunkSize * ChunkSize // 4096
)

// ChunkPosOf возвращает координаты чанка, владеющего блоком
func ChunkPosOf(pos vec.Vec3) vec.Vec3 {
	return pos.ToChunkCoords()
}

// LocalOffset возвращает смещение блока внутри его чанка, всегда в [0, 16)
func LocalOffset(pos vec.Vec3) vec.Vec3 {
	return pos.LocalInChunk()
}

// SplitWorldPos раскладывает мировую позицию на координаты чанка и локальное
// смещение. Обратное преобразование — WorldPosOf: композиция восстанавливает
// исходную позицию для любых целых координат, включая отрицательные.
func SplitWorldPos(pos vec.Vec3) (chunk vec.Vec3, local vec.Vec3) {
	return pos.ToChunkCoords(), pos.LocalInChunk()
}

// WorldPosOf восстанавливает мировую позицию из координат чанка и смещения
func WorldPosOf(chunk, local vec.Vec3) vec.Vec3 {
	return chunk.ChunkOrigin().Add(local)
}

// BlockIndex упаковывает локальное смещение в индекс массива блоков: x<<8|y<<4|z
func BlockIndex(local vec.Vec3) int {
	return local.X<<8 | local.Y<<4 | local.Z
}

// IndexToLocal распаковывает индекс массива блоков в локальное смещение
func IndexToLocal(index int) vec.Vec3 {
	return vec.Vec3{
		X: (index >> 8) & 0xF,
		Y: (index >> 4) & 0xF,
		Z: index & 0xF,
	}
}
