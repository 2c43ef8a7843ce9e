package world

import (
	"sync"

	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world/block"
)

// BlockChange описывает одну мутацию блока. Запись создаётся на каждый
// SetBlock, потребляется репликацией и игровой логикой, после чего
// отбрасывается: авторитетное состояние уже лежит в чанке.
type BlockChange struct {
	Chunk   vec.Vec3      // Координаты чанка
	Index   int           // Индекс блока внутри чанка (x<<8|y<<4|z)
	Old     block.BlockID // Прежний ID блока
	New     block.BlockID // Новый ID блока
	Version uint64        // Версия чанка после мутации
	Tick    uint64        // Номер тика, на котором произошла мутация
}

// LocalPos возвращает локальные координаты изменённого блока
func (bc BlockChange) LocalPos() vec.Vec3 {
	return IndexToLocal(bc.Index)
}

// WorldPos возвращает мировые координаты изменённого блока
func (bc BlockChange) WorldPos() vec.Vec3 {
	return WorldPosOf(bc.Chunk, IndexToLocal(bc.Index))
}

// changeJournal накапливает BlockChange между тиками. Мутации пишут сюда
// под коротким локом, тик симуляции забирает весь накопленный срез разом.
type changeJournal struct {
	mu      sync.Mutex
	pending []BlockChange
}

func newChangeJournal() *changeJournal {
	return &changeJournal{pending: make([]BlockChange, 0, 64)}
}

// Record добавляет изменение в журнал
func (j *changeJournal) Record(change BlockChange) {
	j.mu.Lock()
	j.pending = append(j.pending, change)
	j.mu.Unlock()
}

// Drain забирает все накопленные изменения и очищает журнал
func (j *changeJournal) Drain() []BlockChange {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.pending) == 0 {
		return nil
	}
	out := j.pending
	j.pending = make([]BlockChange, 0, cap(out))
	return out
}

// Len возвращает число накопленных изменений
func (j *changeJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}
