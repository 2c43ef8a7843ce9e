package replication

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/codingwatching/fmc/internal/logging"
	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world"
	"github.com/codingwatching/fmc/internal/world/entity"
)

// Service рассылает состояние мира подключённым клиентам: полные передачи
// чанков при входе в зону интереса, версионированные дельты после
// подтверждения и батчи событий сущностей.
type Service struct {
	manager      *world.ChunkManager
	compressor   PayloadCompressor
	viewDistance int
	logger       *logging.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// ServiceConfig — параметры сервиса репликации
type ServiceConfig struct {
	ViewDistance int // радиус куба интереса в чанках, по умолчанию 4

	// Compressor для полезной нагрузки; nil означает zstd
	Compressor PayloadCompressor
}

// NewService создаёт сервис репликации поверх менеджера чанков
func NewService(manager *world.ChunkManager, cfg ServiceConfig) (*Service, error) {
	viewDistance := cfg.ViewDistance
	if viewDistance <= 0 {
		viewDistance = 4
	}

	compressor := cfg.Compressor
	if compressor == nil {
		var err error
		compressor, err = NewZstdCompressor()
		if err != nil {
			return nil, err
		}
	}

	return &Service{
		manager:      manager,
		compressor:   compressor,
		viewDistance: viewDistance,
		logger:       logging.GetReplicationLogger(),
		sessions:     make(map[uuid.UUID]*Session),
	}, nil
}

// Connect регистрирует нового клиента в состоянии Connecting.
// Зона интереса появится после первого UpdatePosition.
func (s *Service) Connect(sender Sender) *Session {
	sess := newSession(sender, s.viewDistance)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	metricActiveSessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	s.logger.Info("🚀 Сессия %s подключена", sess.ID)
	return sess
}

// Disconnect разрывает сессию из любого состояния: все подписки
// открепляются, представление клиента выбрасывается.
func (s *Service) Disconnect(sessionID uuid.UUID) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	metricActiveSessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.fsm.Transition(StateDisconnecting)

	sess.mu.Lock()
	coords := make([]vec.Vec3, 0, len(sess.subs))
	for c, sub := range sess.subs {
		coords = append(coords, c)
		metricPendingDeltas.Sub(float64(len(sub.pending)))
	}
	sess.subs = make(map[vec.Vec3]*chunkSub)
	sess.entitySeq = make(map[uuid.UUID]uint64)
	sess.mu.Unlock()

	for _, c := range coords {
		s.manager.Unpin(c)
	}

	sess.fsm.Transition(StateClosed)
	s.logger.Info("✅ Сессия %s закрыта, откреплено чанков: %d", sessionID, len(coords))
}

// Session возвращает живую сессию по ID
func (s *Service) Session(sessionID uuid.UUID) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// SessionCount возвращает число живых сессий
func (s *Service) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// UpdatePosition сообщает сервису новую позицию клиента (в блоках).
// Первая позиция переводит сессию в Active; смена чанка пересчитывает
// зону интереса.
func (s *Service) UpdatePosition(sessionID uuid.UUID, blockPos vec.Vec3) error {
	sess, ok := s.Session(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}

	newChunk := blockPos.ToChunkCoords()

	sess.mu.Lock()
	if sess.hasPos && sess.chunkPos.Equals(newChunk) {
		sess.mu.Unlock()
		return nil
	}
	sess.chunkPos = newChunk
	sess.hasPos = true
	sess.mu.Unlock()

	if sess.fsm.Is(StateConnecting) {
		if err := sess.fsm.Transition(StateActive); err != nil {
			return err
		}
	}

	s.refreshInterest(sess)
	return nil
}

// refreshInterest пересчитывает куб интереса: новые координаты пинятся
// и запрашиваются, покинувшие зону — открепляются с уведомлением.
func (s *Service) refreshInterest(sess *Session) {
	bounds := s.manager.Bounds()

	sess.mu.Lock()
	center := sess.chunkPos
	want := make(map[vec.Vec3]struct{})
	for dx := -sess.viewDistance; dx <= sess.viewDistance; dx++ {
		for dy := -sess.viewDistance; dy <= sess.viewDistance; dy++ {
			for dz := -sess.viewDistance; dz <= sess.viewDistance; dz++ {
				c := vec.Vec3{X: center.X + dx, Y: center.Y + dy, Z: center.Z + dz}
				if bounds.Contains(c) {
					want[c] = struct{}{}
				}
			}
		}
	}

	var added, removed []vec.Vec3
	for c := range want {
		if _, ok := sess.subs[c]; !ok {
			sess.subs[c] = newChunkSub()
			added = append(added, c)
		}
	}
	for c := range sess.subs {
		if _, ok := want[c]; !ok {
			metricPendingDeltas.Sub(float64(len(sess.subs[c].pending)))
			delete(sess.subs, c)
			removed = append(removed, c)
		}
	}
	sess.mu.Unlock()

	for _, c := range added {
		s.manager.Pin(c)
		go s.deliverFull(sess, c)
	}
	for _, c := range removed {
		s.manager.Unpin(c)
		s.sendUnload(sess, c)
	}

	if len(added) > 0 || len(removed) > 0 {
		s.logger.Debug("Сессия %s: интерес %v, +%d/-%d чанков", sess.ID, center, len(added), len(removed))
	}
}

// deliverFull дожидается резидентности чанка и шлёт полную передачу.
// Подписка могла исчезнуть, пока чанк грузился — тогда передача не нужна.
func (s *Service) deliverFull(sess *Session, coords vec.Vec3) {
	logging.LogChunkRequest(sess.ID.String(), coords.X, coords.Y, coords.Z)
	chunk, err := s.manager.Request(coords).Wait()
	if err != nil {
		s.logger.Warn("Сессия %s: чанк %v недоступен: %v", sess.ID, coords, err)
		return
	}
	s.sendFull(sess, coords, chunk)
}

// sendFull снимает снимок чанка и отправляет его клиенту.
// Накопленные дельты, уже вошедшие в снимок, выбрасываются.
func (s *Service) sendFull(sess *Session, coords vec.Vec3, chunk *world.Chunk) {
	snap := chunk.Snapshot()

	sess.mu.Lock()
	sub, ok := sess.subs[coords]
	if !ok || sess.fsm.Is(StateClosed) {
		sess.mu.Unlock()
		return
	}
	sub.fullSent = true
	sub.fullAcked = false
	sub.fullVersion = snap.Version
	sub.markSent(snap.Version)

	// Всё, что снимок уже содержит, клиенту дельтами не нужно
	before := len(sub.pending)
	pending := sub.pending[:0]
	for _, d := range sub.pending {
		if d.Version > snap.Version {
			pending = append(pending, d)
		}
	}
	sub.pending = pending
	metricPendingDeltas.Sub(float64(before - len(pending)))
	sess.mu.Unlock()

	if err := s.send(sess, MsgChunkFull, fullMessageFor(snap)); err != nil {
		s.logger.Warn("Сессия %s: полная передача %v: %v", sess.ID, coords, err)
		return
	}
	logging.LogChunkData(sess.ID.String(), coords.X, coords.Y, coords.Z, len(snap.Blocks))
	metricFullsSent.Inc()
}

// sendUnload уведомляет клиента о выходе чанка из зоны интереса
func (s *Service) sendUnload(sess *Session, coords vec.Vec3) {
	if err := s.send(sess, MsgChunkUnload, ChunkUnloadMsg{Coords: coords}); err != nil {
		s.logger.Warn("Сессия %s: уведомление о выгрузке %v: %v", sess.ID, coords, err)
	}
}

// HandleBlockChanges — подписчик движка мира: группирует изменения тика
// по чанкам и раскладывает их по сессиям.
func (s *Service) HandleBlockChanges(tick uint64, changes []world.BlockChange) {
	if len(changes) == 0 {
		return
	}

	// Одна дельта на чанк за тик; версия дельты — версия чанка после
	// последнего изменения в батче
	byChunk := make(map[vec.Vec3]*ChunkDeltaMsg)
	for _, ch := range changes {
		delta, ok := byChunk[ch.Chunk]
		if !ok {
			delta = &ChunkDeltaMsg{Coords: ch.Chunk}
			byChunk[ch.Chunk] = delta
		}
		delta.Blocks = append(delta.Blocks, BlockUpdate{Index: ch.Index, ID: ch.New})
		if ch.Version > delta.Version {
			delta.Version = ch.Version
		}
	}

	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		if !sess.fsm.Is(StateActive) {
			continue
		}
		for coords, delta := range byChunk {
			s.routeDelta(sess, coords, *delta)
		}
	}
}

// routeDelta ставит дельту в исходящую очередь или буферизует её до
// подтверждения полной передачи. Дельты не новее последней отправленной
// версии отбрасываются.
func (s *Service) routeDelta(sess *Session, coords vec.Vec3, delta ChunkDeltaMsg) {
	sess.mu.Lock()
	sub, ok := sess.subs[coords]
	if !ok {
		sess.mu.Unlock()
		return
	}

	if !sub.fullAcked {
		sub.pending = append(sub.pending, delta)
		metricPendingDeltas.Inc()
		sess.mu.Unlock()
		return
	}

	if delta.Version <= sub.lastSent {
		sess.mu.Unlock()
		return
	}
	sub.markSent(delta.Version)
	sess.outbox = append(sess.outbox, delta)
	sess.mu.Unlock()

	s.drainDeltas(sess)
}

// drainDeltas отправляет исходящую очередь дельт сессии. Дренирует ровно
// один вызов за раз: конкурирующие ставят в очередь и выходят, а активный
// дренаж перечитывает её до опустошения — дельты уходят в порядке
// постановки даже при гонке подтверждения с тиком мира.
func (s *Service) drainDeltas(sess *Session) {
	for {
		sess.mu.Lock()
		if sess.draining || len(sess.outbox) == 0 {
			sess.mu.Unlock()
			return
		}
		sess.draining = true
		batch := sess.outbox
		sess.outbox = nil
		sess.mu.Unlock()

		for _, d := range batch {
			if err := s.send(sess, MsgChunkDelta, d); err != nil {
				s.logger.Warn("Сессия %s: дельта %v v%d: %v", sess.ID, d.Coords, d.Version, err)
				continue
			}
			metricDeltasSent.Inc()
		}

		sess.mu.Lock()
		sess.draining = false
		sess.mu.Unlock()
	}
}

// HandleAck обрабатывает подтверждение клиента. Подтверждение полной
// передачи открывает поток дельт; ack на версию, которой клиенту не
// отправляли, означает рассинхронизацию — подписка сбрасывается и полная
// передача уходит заново.
func (s *Service) HandleAck(sessionID uuid.UUID, ack AckMsg) error {
	sess, ok := s.Session(sessionID)
	if !ok {
		return fmt.Errorf("сессия %s не найдена", sessionID)
	}

	sess.mu.Lock()
	sub, ok := sess.subs[ack.Coords]
	if !ok {
		// Подписка уже снята: запоздавшее подтверждение безвредно
		sess.mu.Unlock()
		return nil
	}

	if !sub.fullSent || !sub.wasSent(ack.Version) {
		// Рассинхронизация: сбрасываем подписку и повторяем полную передачу
		metricPendingDeltas.Sub(float64(len(sub.pending)))
		sess.subs[ack.Coords] = newChunkSub()
		sess.mu.Unlock()

		metricDesyncs.Inc()
		s.logger.Warn("⚠️ Сессия %s: ack на неотправленную версию %d чанка %v — повторная полная передача",
			sessionID, ack.Version, ack.Coords)
		go s.deliverFull(sess, ack.Coords)
		return nil
	}

	if !sub.fullAcked && ack.Version == sub.fullVersion {
		sub.fullAcked = true

		// Буфер встаёт в очередь по возрастанию версии; свежие дельты
		// конкурирующего тика встанут следом — позади буфера
		sort.Slice(sub.pending, func(i, j int) bool {
			return sub.pending[i].Version < sub.pending[j].Version
		})
		for _, d := range sub.pending {
			if d.Version > sub.lastSent {
				sub.markSent(d.Version)
				sess.outbox = append(sess.outbox, d)
			}
		}
		metricPendingDeltas.Sub(float64(len(sub.pending)))
		sub.pending = nil
	}

	// Подтверждённые версии больше не нужны для проверки
	for v := range sub.sentVersions {
		if v < ack.Version {
			delete(sub.sentVersions, v)
		}
	}
	sess.mu.Unlock()

	s.drainDeltas(sess)
	return nil
}

// HandleEntityEvents — подписчик журнала сущностей: каждой сессии уходит
// батч событий из её зоны интереса, не более одного раза на (сущность, seq).
func (s *Service) HandleEntityEvents(events []entity.Event) {
	if len(events) == 0 {
		return
	}

	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		if !sess.fsm.Is(StateActive) {
			continue
		}

		sess.mu.Lock()
		var updates []EntityUpdate
		for _, ev := range events {
			if !sess.interestedLocked(ev.Chunk) {
				continue
			}
			if ev.Seq <= sess.entitySeq[ev.ID] {
				continue
			}
			if ev.Kind == entity.EventDespawn {
				delete(sess.entitySeq, ev.ID)
			} else {
				sess.entitySeq[ev.ID] = ev.Seq
			}
			updates = append(updates, EntityUpdate{
				Kind:     ev.Kind,
				ID:       ev.ID,
				Type:     ev.Type,
				Pos:      ev.Pos,
				Velocity: ev.Velocity,
				Seq:      ev.Seq,
			})
		}
		sess.mu.Unlock()

		if len(updates) == 0 {
			continue
		}
		if err := s.send(sess, MsgEntityBatch, EntityBatchMsg{Updates: updates}); err != nil {
			s.logger.Warn("Сессия %s: батч сущностей: %v", sess.ID, err)
		}
	}
}

// send сериализует, сжимает и отдаёт кадр транспорту
func (s *Service) send(sess *Session, msgType MessageType, payload interface{}) error {
	data, err := EncodeMessage(msgType, payload)
	if err != nil {
		return err
	}
	frame, err := s.compressor.Compress(data)
	if err != nil {
		return err
	}
	if err := sess.sender.Send(frame); err != nil {
		metricSendErrors.Inc()
		return fmt.Errorf("доставка кадра: %w", err)
	}
	return nil
}
