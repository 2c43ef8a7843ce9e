package replication

import (
	"sync"

	"github.com/google/uuid"

	"github.com/codingwatching/fmc/internal/vec"
)

// Sender доставляет готовые кадры одному клиенту. Реализуется транспортным
// каналом; сервис репликации сокетов не касается.
type Sender interface {
	Send(payload []byte) error
}

// chunkSub — состояние подписки сессии на один чанк. Дельты копятся в
// pending, пока клиент не подтвердит полную передачу; после подтверждения
// уходят строго по возрастанию версии.
type chunkSub struct {
	fullSent    bool
	fullAcked   bool
	fullVersion uint64
	lastSent    uint64
	pending     []ChunkDeltaMsg

	// Версии, реально отправленные клиенту. Ack на версию вне этого
	// набора — рассинхронизация протокола.
	sentVersions map[uint64]struct{}
}

func newChunkSub() *chunkSub {
	return &chunkSub{sentVersions: make(map[uint64]struct{})}
}

func (cs *chunkSub) markSent(version uint64) {
	cs.sentVersions[version] = struct{}{}
	if version > cs.lastSent {
		cs.lastSent = version
	}
}

func (cs *chunkSub) wasSent(version uint64) bool {
	_, ok := cs.sentVersions[version]
	return ok
}

// Session — один подключённый клиент: автомат состояния, позиция,
// подписки на чанки и последовательности сущностей.
type Session struct {
	ID     uuid.UUID
	fsm    *FSM
	sender Sender

	mu           sync.Mutex
	chunkPos     vec.Vec3 // чанк, в котором находится клиент
	hasPos       bool
	viewDistance int
	subs         map[vec.Vec3]*chunkSub
	entitySeq    map[uuid.UUID]uint64

	// Очередь исходящих дельт. Постановка идёт под mu в порядке роста
	// версий; отправляет очередь ровно один дренирующий вызов, поэтому
	// порядок доставки совпадает с порядком постановки.
	outbox   []ChunkDeltaMsg
	draining bool
}

func newSession(sender Sender, viewDistance int) *Session {
	return &Session{
		ID:           uuid.New(),
		fsm:          NewFSM(),
		sender:       sender,
		viewDistance: viewDistance,
		subs:         make(map[vec.Vec3]*chunkSub),
		entitySeq:    make(map[uuid.UUID]uint64),
	}
}

// State возвращает текущее состояние сессии
func (s *Session) State() SessionState {
	return s.fsm.State()
}

// ChunkPos возвращает чанк клиента и признак того, что позиция известна
func (s *Session) ChunkPos() (vec.Vec3, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkPos, s.hasPos
}

// SubscribedChunks возвращает снимок подписанных координат
func (s *Session) SubscribedChunks() []vec.Vec3 {
	s.mu.Lock()
	defer s.mu.Unlock()
	coords := make([]vec.Vec3, 0, len(s.subs))
	for c := range s.subs {
		coords = append(coords, c)
	}
	return coords
}

// interested сообщает, лежит ли чанк в зоне интереса клиента.
// Вызывается под s.mu.
func (s *Session) interestedLocked(chunkPos vec.Vec3) bool {
	if !s.hasPos {
		return false
	}
	return s.chunkPos.ChebyshevDistance(chunkPos) <= s.viewDistance
}
