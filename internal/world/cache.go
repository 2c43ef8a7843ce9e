package world

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/codingwatching/fmc/internal/vec"
)

// chunkCache — ограниченный LRU-кеш резидентных чанков.
//
// Инварианты:
//   - чанк с ненулевым счётчиком пинов (есть подписчики) не вытесняется;
//   - грязный чанк перед вытеснением синхронно сохраняется (write-back),
//     неудачное сохранение отменяет вытеснение этой жертвы;
//   - вместимость ограничивает только непиненные чанки: пины могут
//     временно удерживать кеш выше capacity.
type chunkCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[vec.Vec3]*list.Element
	order    *list.List // от самых свежих (Front) к кандидатам на вытеснение (Back)
	pins     map[vec.Vec3]int

	// saveVictim вызывается БЕЗ лока кеша для write-back грязной жертвы
	saveVictim func(*Chunk) error
}

type cacheEntry struct {
	coords vec.Vec3
	chunk  *Chunk
}

func newChunkCache(capacity int, saveVictim func(*Chunk) error) *chunkCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &chunkCache{
		capacity:   capacity,
		entries:    make(map[vec.Vec3]*list.Element),
		order:      list.New(),
		pins:       make(map[vec.Vec3]int),
		saveVictim: saveVictim,
	}
}

// Get возвращает резидентный чанк и помечает его как недавно использованный
func (cc *chunkCache) Get(coords vec.Vec3) (*Chunk, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	elem, ok := cc.entries[coords]
	if !ok {
		metricCacheMisses.Inc()
		return nil, false
	}
	cc.order.MoveToFront(elem)
	metricCacheHits.Inc()
	return elem.Value.(*cacheEntry).chunk, true
}

// Peek возвращает чанк без обновления recency (для снапшотов и статистики)
func (cc *chunkCache) Peek(coords vec.Vec3) (*Chunk, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	elem, ok := cc.entries[coords]
	if !ok {
		return nil, false
	}
	return elem.Value.(*cacheEntry).chunk, true
}

// Insert добавляет чанк в кеш. При превышении вместимости вытесняет самых
// старых непиненных жертв; write-back выполняется вне лока кеша.
func (cc *chunkCache) Insert(chunk *Chunk) error {
	cc.mu.Lock()
	if elem, ok := cc.entries[chunk.Coords]; ok {
		// Повторная вставка той же координаты — только освежаем recency
		cc.order.MoveToFront(elem)
		cc.mu.Unlock()
		return nil
	}

	elem := cc.order.PushFront(&cacheEntry{coords: chunk.Coords, chunk: chunk})
	cc.entries[chunk.Coords] = elem
	metricResidentChunks.Set(float64(len(cc.entries)))

	victims := cc.collectVictimsLocked()
	cc.mu.Unlock()

	return cc.evictVictims(victims)
}

// collectVictimsLocked снимает с учёта кандидатов на вытеснение.
// Против вместимости считаются только непиненные резиденты: запиненные
// чанки не жертвы и не повод выгонять более свежие. Вызывается под локом;
// сами жертвы сохраняются уже без него.
func (cc *chunkCache) collectVictimsLocked() []*Chunk {
	unpinned := 0
	for coords := range cc.entries {
		if cc.pins[coords] == 0 {
			unpinned++
		}
	}

	var victims []*Chunk
	for elem := cc.order.Back(); elem != nil && unpinned-len(victims) > cc.capacity; {
		entry := elem.Value.(*cacheEntry)
		prev := elem.Prev()
		if cc.pins[entry.coords] == 0 {
			victims = append(victims, entry.chunk)
		}
		elem = prev
	}
	return victims
}

// evictVictims сохраняет грязные жертвы и удаляет их из кеша.
// Неудачно сохранённая жертва остаётся резидентной и грязной.
func (cc *chunkCache) evictVictims(victims []*Chunk) error {
	var firstErr error
	for _, victim := range victims {
		if victim.Dirty() {
			version := victim.Version()
			if err := cc.saveVictim(victim); err != nil {
				metricSaveFailures.Inc()
				if firstErr == nil {
					firstErr = fmt.Errorf("write-back чанка %v: %w", victim.Coords, err)
				}
				continue
			}
			victim.MarkClean(version)
		}

		cc.mu.Lock()
		// Между сбором и сохранением чанк могли запинить или загрязнить заново
		if cc.pins[victim.Coords] == 0 && !victim.Dirty() {
			if elem, ok := cc.entries[victim.Coords]; ok {
				cc.order.Remove(elem)
				delete(cc.entries, victim.Coords)
				metricCacheEvictions.Inc()
			}
		}
		metricResidentChunks.Set(float64(len(cc.entries)))
		cc.mu.Unlock()
	}
	return firstErr
}

// Pin удерживает координату от вытеснения (подписка клиента).
// Пин действует и на ещё не резидентные координаты.
func (cc *chunkCache) Pin(coords vec.Vec3) {
	cc.mu.Lock()
	cc.pins[coords]++
	cc.mu.Unlock()
}

// Unpin снимает одно удержание координаты
func (cc *chunkCache) Unpin(coords vec.Vec3) {
	cc.mu.Lock()
	if n := cc.pins[coords]; n > 1 {
		cc.pins[coords] = n - 1
	} else {
		delete(cc.pins, coords)
	}
	cc.mu.Unlock()
}

// PinCount возвращает текущее число пинов координаты
func (cc *chunkCache) PinCount(coords vec.Vec3) int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.pins[coords]
}

// DirtySnapshot возвращает срез грязных чанков. Лок держится только на время
// обхода карты — сохранение идёт без него.
func (cc *chunkCache) DirtySnapshot() []*Chunk {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	var dirty []*Chunk
	for _, elem := range cc.entries {
		chunk := elem.Value.(*cacheEntry).chunk
		if chunk.Dirty() {
			dirty = append(dirty, chunk)
		}
	}
	metricDirtyChunks.Set(float64(len(dirty)))
	return dirty
}

// Len возвращает число резидентных чанков
func (cc *chunkCache) Len() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.entries)
}

// Coords возвращает координаты всех резидентных чанков
func (cc *chunkCache) Coords() []vec.Vec3 {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	coords := make([]vec.Vec3, 0, len(cc.entries))
	for c := range cc.entries {
		coords = append(coords, c)
	}
	return coords
}
