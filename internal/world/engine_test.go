package world

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world/block"
)

func testEngine(store ChunkStore) *Engine {
	return NewEngine(EngineConfig{
		Seed:             42,
		Bounds:           Bounds{ChunkRadius: 100, MinChunkY: -8, MaxChunkY: 8},
		CacheCapacity:    64,
		Workers:          2,
		TickRate:         100, // быстрые тики, чтобы тест не ждал
		AutosaveInterval: time.Hour,
	}, store)
}

func TestEngineDeliversChangesToSubscribers(t *testing.T) {
	e := testEngine(newMemStore())

	var mu sync.Mutex
	var received []BlockChange
	e.Subscribe(func(tick uint64, changes []BlockChange) {
		mu.Lock()
		received = append(received, changes...)
		mu.Unlock()
	})

	e.Start()

	pos := vec.Vec3{X: 10, Y: 5, Z: 10}
	if _, err := e.Manager().SetBlock(pos, block.WoodBlockID); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}

	// Ждём, пока тик-цикл раздаст журнал
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Подписчик не получил изменение за 2 секунды")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("Ожидалось 1 изменение, получено %d", len(received))
	}
	if !received[0].WorldPos().Equals(pos) {
		t.Errorf("Изменение пришло для %v, ожидалось %v", received[0].WorldPos(), pos)
	}

	if err := e.Shutdown(); err != nil {
		t.Errorf("Shutdown вернул ошибку: %v", err)
	}
}

func TestEngineShutdownFlushesDirtyChunks(t *testing.T) {
	store := newMemStore()
	e := testEngine(store)
	e.Start()

	// Десять мутаций в десяти разных чанках
	for i := 0; i < 10; i++ {
		pos := vec.Vec3{X: i * ChunkSize, Y: 0, Z: i * ChunkSize}
		if _, err := e.Manager().SetBlock(pos, block.StoneBlockID); err != nil {
			t.Fatalf("SetBlock #%d: %v", i, err)
		}
	}

	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown вернул ошибку: %v", err)
	}

	store.mu.Lock()
	persisted := len(store.data)
	store.mu.Unlock()
	if persisted != 10 {
		t.Errorf("Ожидалось 10 чанков в хранилище после остановки, получено %d", persisted)
	}

	if dirty := e.Manager().DirtyChunks(); len(dirty) != 0 {
		t.Errorf("После остановки осталось %d грязных чанков", len(dirty))
	}
}

// flushStore оборачивает memStore и считает вызовы FlushAll
type flushStore struct {
	*memStore
	mu       sync.Mutex
	flushes  int
	savesAt  []int // число Save на момент каждого FlushAll
	flushErr error
}

func (s *flushStore) FlushAll() error {
	s.memStore.mu.Lock()
	saves := s.memStore.saves
	s.memStore.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	s.savesAt = append(s.savesAt, saves)
	return s.flushErr
}

func TestEngineShutdownSyncsStore(t *testing.T) {
	store := &flushStore{memStore: newMemStore()}
	e := testEngine(store)
	e.Start()

	pos := vec.Vec3{X: 5, Y: 3, Z: 5}
	if _, err := e.Manager().SetBlock(pos, block.GravelBlockID); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}

	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown вернул ошибку: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.flushes != 1 {
		t.Fatalf("Ожидался один сброс WAL при остановке, получено %d", store.flushes)
	}
	if store.savesAt[0] == 0 {
		t.Error("WAL сброшен до финального сохранения чанков")
	}
}

func TestEngineShutdownReportsSyncFailure(t *testing.T) {
	store := &flushStore{memStore: newMemStore(), flushErr: errors.New("диск недоступен")}
	e := testEngine(store)
	e.Start()

	if err := e.Shutdown(); err == nil {
		t.Error("Shutdown при несинхронизированном WAL должен вернуть ошибку")
	}
}

func TestEngineShutdownIdempotent(t *testing.T) {
	e := testEngine(newMemStore())
	e.Start()
	if err := e.Shutdown(); err != nil {
		t.Fatalf("Первый Shutdown: %v", err)
	}
	if err := e.Shutdown(); err != nil {
		t.Errorf("Повторный Shutdown вернул ошибку: %v", err)
	}
}
