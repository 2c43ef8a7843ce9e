package world

import (
	"testing"

	"github.com/codingwatching/fmc/internal/vec"
)

func TestSplitWorldPos(t *testing.T) {
	cases := []struct {
		pos   vec.Vec3
		chunk vec.Vec3
		local vec.Vec3
	}{
		{vec.Vec3{X: 0, Y: 0, Z: 0}, vec.Vec3{X: 0, Y: 0, Z: 0}, vec.Vec3{X: 0, Y: 0, Z: 0}},
		{vec.Vec3{X: 15, Y: 15, Z: 15}, vec.Vec3{X: 0, Y: 0, Z: 0}, vec.Vec3{X: 15, Y: 15, Z: 15}},
		{vec.Vec3{X: 16, Y: 16, Z: 16}, vec.Vec3{X: 1, Y: 1, Z: 1}, vec.Vec3{X: 0, Y: 0, Z: 0}},
		// Отрицательные координаты: деление с округлением к минус бесконечности
		{vec.Vec3{X: -1, Y: -1, Z: -1}, vec.Vec3{X: -1, Y: -1, Z: -1}, vec.Vec3{X: 15, Y: 15, Z: 15}},
		{vec.Vec3{X: -16, Y: -16, Z: -16}, vec.Vec3{X: -1, Y: -1, Z: -1}, vec.Vec3{X: 0, Y: 0, Z: 0}},
		{vec.Vec3{X: -17, Y: 5, Z: 33}, vec.Vec3{X: -2, Y: 0, Z: 2}, vec.Vec3{X: 15, Y: 5, Z: 1}},
	}

	for _, c := range cases {
		chunk, local := SplitWorldPos(c.pos)
		if !chunk.Equals(c.chunk) {
			t.Errorf("SplitWorldPos(%v): ожидался чанк %v, получен %v", c.pos, c.chunk, chunk)
		}
		if !local.Equals(c.local) {
			t.Errorf("SplitWorldPos(%v): ожидался локальный %v, получен %v", c.pos, c.local, local)
		}
	}
}

func TestWorldPosRoundTrip(t *testing.T) {
	// Разложение и сборка должны быть взаимно обратны
	for _, pos := range []vec.Vec3{
		{X: 0, Y: 0, Z: 0},
		{X: 123, Y: -45, Z: 6789},
		{X: -1, Y: -16, Z: -17},
		{X: 15, Y: 16, Z: -33},
	} {
		chunk, local := SplitWorldPos(pos)
		back := WorldPosOf(chunk, local)
		if !back.Equals(pos) {
			t.Errorf("Обратная сборка %v: получено %v", pos, back)
		}
	}
}

func TestBlockIndexBijection(t *testing.T) {
	seen := make(map[int]bool, ChunkVolume)
	for x := 0; x < ChunkSize; x++ {
		for y := 0; y < ChunkSize; y++ {
			for z := 0; z < ChunkSize; z++ {
				local := vec.Vec3{X: x, Y: y, Z: z}
				idx := BlockIndex(local)
				if idx < 0 || idx >= ChunkVolume {
					t.Fatalf("Индекс %d для %v вне диапазона [0, %d)", idx, local, ChunkVolume)
				}
				if seen[idx] {
					t.Fatalf("Индекс %d для %v уже занят", idx, local)
				}
				seen[idx] = true

				back := IndexToLocal(idx)
				if !back.Equals(local) {
					t.Errorf("IndexToLocal(%d): ожидалось %v, получено %v", idx, local, back)
				}
			}
		}
	}
	if len(seen) != ChunkVolume {
		t.Errorf("Ожидалось %d уникальных индексов, получено %d", ChunkVolume, len(seen))
	}
}

func TestBoundsContains(t *testing.T) {
	b := Bounds{ChunkRadius: 10, MinChunkY: -4, MaxChunkY: 15}

	inside := []vec.Vec3{
		{X: 0, Y: 0, Z: 0},
		{X: 10, Y: -4, Z: -10},
		{X: -10, Y: 15, Z: 10},
	}
	for _, c := range inside {
		if !b.Contains(c) {
			t.Errorf("Координата %v должна быть в границах", c)
		}
	}

	outside := []vec.Vec3{
		{X: 11, Y: 0, Z: 0},
		{X: 0, Y: -5, Z: 0},
		{X: 0, Y: 16, Z: 0},
		{X: 0, Y: 0, Z: -11},
	}
	for _, c := range outside {
		if b.Contains(c) {
			t.Errorf("Координата %v должна быть вне границ", c)
		}
	}
}
