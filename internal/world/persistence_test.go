package world

import (
	"sync"
	"testing"
	"time"

	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world/block"
)

// flakyStore отказывает первым N записям, затем работает нормально
type flakyStore struct {
	*memStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (s *flakyStore) Save(coords vec.Vec3, snap *ChunkSnapshot) error {
	s.mu.Lock()
	s.attempts++
	fail := s.attempts <= s.failures
	s.mu.Unlock()
	if fail {
		return errSaveUnavailable
	}
	return s.memStore.Save(coords, snap)
}

var errSaveUnavailable = &saveError{}

type saveError struct{}

func (*saveError) Error() string { return "хранилище недоступно" }

func TestSchedulerFlushSavesDirty(t *testing.T) {
	store := newMemStore()
	cm := testManager(store)
	defer cm.Shutdown()

	for i := 0; i < 3; i++ {
		if _, err := cm.SetBlock(vec.Vec3{X: i * ChunkSize, Y: 0, Z: 0}, block.StoneBlockID); err != nil {
			t.Fatalf("SetBlock: %v", err)
		}
	}

	s := NewScheduler(cm, time.Hour)
	saved, failed := s.Flush()
	if failed != 0 {
		t.Fatalf("Flush сообщил %d ошибок", failed)
	}
	if saved != 3 {
		t.Errorf("Ожидалось 3 сохранённых чанка, получено %d", saved)
	}

	// Все чанки чистые: повторный Flush ничего не пишет
	saved, _ = s.Flush()
	if saved != 0 {
		t.Errorf("Повторный Flush записал %d чанков", saved)
	}
}

func TestSchedulerRetriesTransientFailure(t *testing.T) {
	store := &flakyStore{memStore: newMemStore(), failures: 2}
	cm := testManager(store)
	defer cm.Shutdown()

	if _, err := cm.SetBlock(vec.Vec3{X: 0, Y: 0, Z: 0}, block.GravelBlockID); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}

	s := NewScheduler(cm, time.Hour)
	saved, failed := s.Flush()
	if failed != 0 || saved != 1 {
		t.Errorf("Ожидалось сохранение после ретраев: saved=%d failed=%d", saved, failed)
	}
}

func TestSchedulerKeepsDirtyOnPersistentFailure(t *testing.T) {
	store := &flakyStore{memStore: newMemStore(), failures: 1000}
	cm := testManager(store)
	defer cm.Shutdown()

	if _, err := cm.SetBlock(vec.Vec3{X: 0, Y: 0, Z: 0}, block.DirtBlockID); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}

	s := NewScheduler(cm, time.Hour)
	saved, failed := s.Flush()
	if saved != 0 || failed != 1 {
		t.Errorf("Ожидался отказ сохранения: saved=%d failed=%d", saved, failed)
	}

	// Чанк остаётся грязным и попадёт в следующий проход
	if len(cm.DirtyChunks()) != 1 {
		t.Error("Несохранённый чанк потерял флаг dirty")
	}
}

func TestSchedulerSkipsCleanAfterConcurrentMutation(t *testing.T) {
	store := newMemStore()
	cm := testManager(store)
	defer cm.Shutdown()

	pos := vec.Vec3{X: 0, Y: 0, Z: 0}
	cm.SetBlock(pos, block.StoneBlockID)

	s := NewScheduler(cm, time.Hour)
	s.Flush()

	// Мутация после сохранения снова делает чанк грязным
	cm.SetBlock(pos, block.SandBlockID)
	if len(cm.DirtyChunks()) != 1 {
		t.Error("Мутация после сохранения не пометила чанк грязным")
	}
}

func TestSchedulerStopFinalFlush(t *testing.T) {
	store := newMemStore()
	cm := testManager(store)
	defer cm.Shutdown()

	cm.SetBlock(vec.Vec3{X: 32, Y: 16, Z: -48}, block.SnowBlockID)

	s := NewScheduler(cm, time.Hour)
	s.Start()
	if failed := s.Stop(); failed != 0 {
		t.Errorf("Финальное сохранение сообщило %d ошибок", failed)
	}

	if len(cm.DirtyChunks()) != 0 {
		t.Error("После остановки остались грязные чанки")
	}
}
