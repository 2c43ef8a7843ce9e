package world

import (
	"errors"
	"testing"

	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world/block"
)

func makeChunk(x, y, z int) *Chunk {
	return NewChunk(vec.Vec3{X: x, Y: y, Z: z})
}

func TestCacheInsertAndGet(t *testing.T) {
	cc := newChunkCache(4, func(*Chunk) error { return nil })

	chunk := makeChunk(1, 0, 2)
	if err := cc.Insert(chunk); err != nil {
		t.Fatalf("Insert вернул ошибку: %v", err)
	}

	got, ok := cc.Get(chunk.Coords)
	if !ok {
		t.Fatal("Чанк не найден после вставки")
	}
	if got != chunk {
		t.Error("Get вернул другой экземпляр чанка")
	}

	if _, ok := cc.Get(vec.Vec3{X: 9, Y: 9, Z: 9}); ok {
		t.Error("Get нашёл невставленный чанк")
	}
}

func TestCacheEvictsLRU(t *testing.T) {
	cc := newChunkCache(2, func(*Chunk) error { return nil })

	a := makeChunk(0, 0, 0)
	b := makeChunk(1, 0, 0)
	c := makeChunk(2, 0, 0)

	cc.Insert(a)
	cc.Insert(b)
	cc.Get(a.Coords) // a становится самым свежим
	cc.Insert(c)     // вытесняется b

	if _, ok := cc.Peek(b.Coords); ok {
		t.Error("Наименее используемый чанк не вытеснен")
	}
	if _, ok := cc.Peek(a.Coords); !ok {
		t.Error("Недавно использованный чанк вытеснен")
	}
	if _, ok := cc.Peek(c.Coords); !ok {
		t.Error("Только что вставленный чанк вытеснен")
	}
	if cc.Len() != 2 {
		t.Errorf("Ожидалось 2 резидентных чанка, получено %d", cc.Len())
	}
}

func TestCachePinBlocksEviction(t *testing.T) {
	cc := newChunkCache(2, func(*Chunk) error { return nil })

	a := makeChunk(0, 0, 0)
	b := makeChunk(1, 0, 0)
	cc.Insert(a)
	cc.Insert(b)
	cc.Pin(a.Coords)
	cc.Pin(b.Coords)

	// Оба кандидата запинены: вставка превышает ёмкость, но ничего не теряем
	c := makeChunk(2, 0, 0)
	cc.Insert(c)

	for _, coords := range []vec.Vec3{a.Coords, b.Coords, c.Coords} {
		if _, ok := cc.Peek(coords); !ok {
			t.Errorf("Чанк %v отсутствует, хотя вытеснение запинённых запрещено", coords)
		}
	}

	// После снятия пина чанк снова может быть вытеснен
	cc.Unpin(a.Coords)
	d := makeChunk(3, 0, 0)
	cc.Insert(d)
	if _, ok := cc.Peek(a.Coords); ok {
		t.Error("Распиненный чанк не вытеснен при переполнении")
	}
}

func TestCacheFreshInsertSurvivesPinnedPressure(t *testing.T) {
	var saved []vec.Vec3
	cc := newChunkCache(2, func(c *Chunk) error {
		saved = append(saved, c.Coords)
		c.MarkClean(c.Version())
		return nil
	})

	a := makeChunk(0, 0, 0)
	b := makeChunk(1, 0, 0)
	cc.Insert(a)
	cc.Insert(b)
	cc.Pin(a.Coords)
	cc.Pin(b.Coords)

	// Кеш целиком занят запинёнными. Свежий грязный чанк не должен уходить
	// в write-back: мутации по выданному хэндлу иначе потеряются молча
	fresh := makeChunk(2, 0, 0)
	fresh.SetBlock(vec.Vec3{X: 1, Y: 1, Z: 1}, block.WoodBlockID)
	if err := cc.Insert(fresh); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if len(saved) != 0 {
		t.Fatalf("Самый свежий чанк ушёл в write-back: %v", saved)
	}
	got, ok := cc.Peek(fresh.Coords)
	if !ok {
		t.Fatal("Свежевставленный чанк вытеснен, хотя жертвой быть не мог")
	}

	// Последующая мутация видна через кеш, а не в осиротевшем экземпляре
	got.SetBlock(vec.Vec3{X: 2, Y: 2, Z: 2}, block.StoneBlockID)
	res, ok := cc.Peek(fresh.Coords)
	if !ok || res.GetBlock(vec.Vec3{X: 2, Y: 2, Z: 2}) != block.StoneBlockID {
		t.Error("Мутация резидентного чанка не видна из кеша")
	}
}

func TestCachePinCountNested(t *testing.T) {
	cc := newChunkCache(4, func(*Chunk) error { return nil })
	a := makeChunk(0, 0, 0)
	cc.Insert(a)

	cc.Pin(a.Coords)
	cc.Pin(a.Coords)
	if cc.PinCount(a.Coords) != 2 {
		t.Errorf("Ожидался счётчик пинов 2, получено %d", cc.PinCount(a.Coords))
	}
	cc.Unpin(a.Coords)
	if cc.PinCount(a.Coords) != 1 {
		t.Errorf("Ожидался счётчик пинов 1, получено %d", cc.PinCount(a.Coords))
	}
	cc.Unpin(a.Coords)
	if cc.PinCount(a.Coords) != 0 {
		t.Errorf("Ожидался счётчик пинов 0, получено %d", cc.PinCount(a.Coords))
	}
}

func TestCacheWriteBackOnEviction(t *testing.T) {
	var saved []vec.Vec3
	cc := newChunkCache(1, func(c *Chunk) error {
		saved = append(saved, c.Coords)
		c.MarkClean(c.Version())
		return nil
	})

	dirty := makeChunk(0, 0, 0)
	dirty.SetBlock(vec.Vec3{X: 1, Y: 1, Z: 1}, block.StoneBlockID)
	cc.Insert(dirty)

	// Вставка второго чанка вытесняет грязный первый через write-back
	cc.Insert(makeChunk(1, 0, 0))

	if len(saved) != 1 || !saved[0].Equals(dirty.Coords) {
		t.Fatalf("Ожидался write-back чанка %v, сохранено: %v", dirty.Coords, saved)
	}
	if _, ok := cc.Peek(dirty.Coords); ok {
		t.Error("Грязный чанк остался резидентным после успешного write-back")
	}
}

func TestCacheFailedWriteBackKeepsChunk(t *testing.T) {
	saveErr := errors.New("диск недоступен")
	cc := newChunkCache(1, func(*Chunk) error { return saveErr })

	dirty := makeChunk(0, 0, 0)
	dirty.SetBlock(vec.Vec3{X: 0, Y: 0, Z: 0}, block.DirtBlockID)
	cc.Insert(dirty)

	err := cc.Insert(makeChunk(1, 0, 0))
	if err == nil {
		t.Fatal("Ожидалась ошибка write-back при вытеснении")
	}
	if !errors.Is(err, saveErr) {
		t.Errorf("Ошибка не обёртывает причину сбоя: %v", err)
	}

	// Несохранённый чанк не выброшен и всё ещё грязный
	got, ok := cc.Peek(dirty.Coords)
	if !ok {
		t.Fatal("Грязный чанк потерян после неудачного write-back")
	}
	if !got.Dirty() {
		t.Error("Чанк потерял флаг dirty без сохранения")
	}
}

func TestCacheDirtySnapshot(t *testing.T) {
	cc := newChunkCache(8, func(*Chunk) error { return nil })

	clean := makeChunk(0, 0, 0)
	dirty := makeChunk(1, 0, 0)
	dirty.SetBlock(vec.Vec3{X: 2, Y: 3, Z: 4}, block.SandBlockID)

	cc.Insert(clean)
	cc.Insert(dirty)

	snap := cc.DirtySnapshot()
	if len(snap) != 1 {
		t.Fatalf("Ожидался 1 грязный чанк, получено %d", len(snap))
	}
	if !snap[0].Coords.Equals(dirty.Coords) {
		t.Errorf("В снимке не тот чанк: %v", snap[0].Coords)
	}
}
