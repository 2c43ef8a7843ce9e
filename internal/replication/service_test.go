package replication

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world"
	"github.com/codingwatching/fmc/internal/world/block"
	"github.com/codingwatching/fmc/internal/world/entity"
)

// captureSender копит кадры, отправленные сессии
type captureSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *captureSender) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := make([]byte, len(payload))
	copy(frame, payload)
	c.frames = append(c.frames, frame)
	return nil
}

// messages разбирает накопленные кадры (компрессор в тестах passthrough)
func (c *captureSender) messages(t *testing.T) []*Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Message, 0, len(c.frames))
	for _, frame := range c.frames {
		msg, err := DecodeMessage(frame)
		if err != nil {
			t.Fatalf("Разбор кадра: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func (c *captureSender) waitFor(t *testing.T, msgType MessageType, count int) []*Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var matched []*Message
		for _, msg := range c.messages(t) {
			if msg.Type == msgType {
				matched = append(matched, msg)
			}
		}
		if len(matched) >= count {
			return matched
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Не дождались %d сообщений типа %s", count, msgType)
	return nil
}

// testStore — пустое хранилище: все чанки генерируются
type testStore struct{}

func (testStore) Load(vec.Vec3) (*world.Chunk, bool, error) { return nil, false, nil }
func (testStore) Save(vec.Vec3, *world.ChunkSnapshot) error { return nil }

func newTestWorld(t *testing.T) *world.ChunkManager {
	t.Helper()
	cm := world.NewChunkManager(world.ManagerConfig{
		Seed:          42,
		Bounds:        world.Bounds{ChunkRadius: 50, MinChunkY: -4, MaxChunkY: 4},
		CacheCapacity: 256,
		Workers:       2,
	}, testStore{})
	t.Cleanup(cm.Shutdown)
	return cm
}

func newTestService(t *testing.T, cm *world.ChunkManager, viewDistance int) *Service {
	t.Helper()
	svc, err := NewService(cm, ServiceConfig{
		ViewDistance: viewDistance,
		Compressor:   NewPassthroughCompressor(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func decodeFull(t *testing.T, msg *Message) ChunkFullMsg {
	t.Helper()
	var full ChunkFullMsg
	if err := json.Unmarshal(msg.Payload, &full); err != nil {
		t.Fatalf("Разбор полной передачи: %v", err)
	}
	return full
}

func decodeDelta(t *testing.T, msg *Message) ChunkDeltaMsg {
	t.Helper()
	var delta ChunkDeltaMsg
	if err := json.Unmarshal(msg.Payload, &delta); err != nil {
		t.Fatalf("Разбор дельты: %v", err)
	}
	return delta
}

func TestFSMTransitions(t *testing.T) {
	fsm := NewFSM()
	if !fsm.Is(StateConnecting) {
		t.Fatal("Новый автомат не в состоянии Connecting")
	}

	entered := false
	fsm.OnEnter(StateActive, func() { entered = true })

	if err := fsm.Transition(StateActive); err != nil {
		t.Fatalf("Connecting → Active: %v", err)
	}
	if !entered {
		t.Error("Хук входа в Active не вызван")
	}

	if err := fsm.Transition(StateConnecting); err == nil {
		t.Error("Обратный переход Active → Connecting разрешён")
	}

	if err := fsm.Transition(StateDisconnecting); err != nil {
		t.Fatalf("Active → Disconnecting: %v", err)
	}
	if err := fsm.Transition(StateClosed); err != nil {
		t.Fatalf("Disconnecting → Closed: %v", err)
	}
	if err := fsm.Transition(StateActive); err == nil {
		t.Error("Переход из Closed разрешён")
	}
}

func TestServiceSendsFullOnSubscribe(t *testing.T) {
	cm := newTestWorld(t)
	svc := newTestService(t, cm, 0)

	sender := &captureSender{}
	sess := svc.Connect(sender)
	if !sess.fsm.Is(StateConnecting) {
		t.Error("Новая сессия не в Connecting")
	}

	if err := svc.UpdatePosition(sess.ID, vec.Vec3{X: 8, Y: 8, Z: 8}); err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}
	if !sess.fsm.Is(StateActive) {
		t.Error("Сессия не активировалась после первой позиции")
	}

	fulls := sender.waitFor(t, MsgChunkFull, 1)
	full := decodeFull(t, fulls[0])
	if !full.Coords.Equals(vec.Vec3{X: 0, Y: 0, Z: 0}) {
		t.Errorf("Полная передача для %v, ожидался чанк клиента", full.Coords)
	}

	// Подписка держит чанк запиненным
	if cm.PinCount(full.Coords) != 1 {
		t.Errorf("PinCount чанка %v равен %d, ожидался 1", full.Coords, cm.PinCount(full.Coords))
	}
}

func TestServiceBuffersDeltasUntilFullAck(t *testing.T) {
	cm := newTestWorld(t)
	svc := newTestService(t, cm, 0)

	sender := &captureSender{}
	sess := svc.Connect(sender)
	svc.UpdatePosition(sess.ID, vec.Vec3{X: 0, Y: 0, Z: 0})
	full := decodeFull(t, sender.waitFor(t, MsgChunkFull, 1)[0])

	// Мутация до подтверждения: дельта должна буферизоваться
	change, err := cm.SetBlock(vec.Vec3{X: 1, Y: 1, Z: 1}, block.StoneBlockID)
	if err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	svc.HandleBlockChanges(1, []world.BlockChange{change})

	time.Sleep(20 * time.Millisecond)
	for _, msg := range sender.messages(t) {
		if msg.Type == MsgChunkDelta {
			t.Fatal("Дельта отправлена до подтверждения полной передачи")
		}
	}

	// Ack полной передачи высвобождает буфер
	if err := svc.HandleAck(sess.ID, AckMsg{Coords: full.Coords, Version: full.Version}); err != nil {
		t.Fatalf("HandleAck: %v", err)
	}

	deltas := sender.waitFor(t, MsgChunkDelta, 1)
	delta := decodeDelta(t, deltas[0])
	if delta.Version != change.Version {
		t.Errorf("Дельта с версией %d, ожидалась %d", delta.Version, change.Version)
	}
	if len(delta.Blocks) != 1 || delta.Blocks[0].ID != block.StoneBlockID {
		t.Errorf("Неверное содержимое дельты: %+v", delta.Blocks)
	}
}

func TestServiceDeltaVersionsIncrease(t *testing.T) {
	cm := newTestWorld(t)
	svc := newTestService(t, cm, 0)

	sender := &captureSender{}
	sess := svc.Connect(sender)
	svc.UpdatePosition(sess.ID, vec.Vec3{X: 0, Y: 0, Z: 0})
	full := decodeFull(t, sender.waitFor(t, MsgChunkFull, 1)[0])
	svc.HandleAck(sess.ID, AckMsg{Coords: full.Coords, Version: full.Version})

	// Три тика с мутациями: версии дельт строго растут
	for i := 0; i < 3; i++ {
		change, err := cm.SetBlock(vec.Vec3{X: i, Y: 0, Z: 0}, block.SandBlockID)
		if err != nil {
			t.Fatalf("SetBlock #%d: %v", i, err)
		}
		svc.HandleBlockChanges(uint64(i+1), []world.BlockChange{change})
	}

	deltas := sender.waitFor(t, MsgChunkDelta, 3)
	var prev uint64
	for i, msg := range deltas {
		delta := decodeDelta(t, msg)
		if delta.Version <= prev {
			t.Errorf("Дельта %d: версия %d не больше предыдущей %d", i, delta.Version, prev)
		}
		prev = delta.Version
	}
}

func TestServiceEachClientSeesEachMutationOnce(t *testing.T) {
	cm := newTestWorld(t)
	svc := newTestService(t, cm, 0)

	var senders [2]*captureSender
	var sessions [2]*Session
	for i := range senders {
		senders[i] = &captureSender{}
		sessions[i] = svc.Connect(senders[i])
		svc.UpdatePosition(sessions[i].ID, vec.Vec3{X: 0, Y: 0, Z: 0})
		full := decodeFull(t, senders[i].waitFor(t, MsgChunkFull, 1)[0])
		svc.HandleAck(sessions[i].ID, AckMsg{Coords: full.Coords, Version: full.Version})
	}

	// Каждый клиент делает по одной мутации
	ch1, _ := cm.SetBlock(vec.Vec3{X: 2, Y: 2, Z: 2}, block.WoodBlockID)
	ch2, _ := cm.SetBlock(vec.Vec3{X: 3, Y: 3, Z: 3}, block.SnowBlockID)
	svc.HandleBlockChanges(1, []world.BlockChange{ch1, ch2})

	for i, sender := range senders {
		deltas := sender.waitFor(t, MsgChunkDelta, 1)
		if len(deltas) != 1 {
			t.Fatalf("Клиент %d: ожидалась 1 дельта, получено %d", i, len(deltas))
		}
		delta := decodeDelta(t, deltas[0])
		if len(delta.Blocks) != 2 {
			t.Errorf("Клиент %d: в дельте %d блоков, ожидалось 2", i, len(delta.Blocks))
		}

		// Повторных дельт не приходит
		time.Sleep(20 * time.Millisecond)
		var count int
		for _, msg := range sender.messages(t) {
			if msg.Type == MsgChunkDelta {
				count++
			}
		}
		if count != 1 {
			t.Errorf("Клиент %d получил %d дельт, ожидалась ровно 1", i, count)
		}
	}
}

func TestServiceDesyncResendsFull(t *testing.T) {
	cm := newTestWorld(t)
	svc := newTestService(t, cm, 0)

	sender := &captureSender{}
	sess := svc.Connect(sender)
	svc.UpdatePosition(sess.ID, vec.Vec3{X: 0, Y: 0, Z: 0})
	full := decodeFull(t, sender.waitFor(t, MsgChunkFull, 1)[0])

	// Ack на версию, которую никто не отправлял
	if err := svc.HandleAck(sess.ID, AckMsg{Coords: full.Coords, Version: full.Version + 999}); err != nil {
		t.Fatalf("HandleAck: %v", err)
	}

	// Подписка сброшена, полная передача ушла повторно
	sender.waitFor(t, MsgChunkFull, 2)
}

func TestServiceDisconnectUnpinsChunks(t *testing.T) {
	cm := newTestWorld(t)
	svc := newTestService(t, cm, 1)

	sender := &captureSender{}
	sess := svc.Connect(sender)
	svc.UpdatePosition(sess.ID, vec.Vec3{X: 0, Y: 0, Z: 0})
	sender.waitFor(t, MsgChunkFull, 1)

	subscribed := sess.SubscribedChunks()
	if len(subscribed) == 0 {
		t.Fatal("Нет подписок после UpdatePosition")
	}

	svc.Disconnect(sess.ID)
	if !sess.fsm.Is(StateClosed) {
		t.Error("Сессия не закрыта после Disconnect")
	}
	if svc.SessionCount() != 0 {
		t.Error("Сессия осталась в реестре")
	}
	for _, c := range subscribed {
		if cm.PinCount(c) != 0 {
			t.Errorf("Чанк %v остался запиненным после Disconnect", c)
		}
	}
}

func TestServiceInterestSetMoves(t *testing.T) {
	cm := newTestWorld(t)
	svc := newTestService(t, cm, 1)

	sender := &captureSender{}
	sess := svc.Connect(sender)
	svc.UpdatePosition(sess.ID, vec.Vec3{X: 0, Y: 0, Z: 0})
	sender.waitFor(t, MsgChunkFull, 1)

	before := make(map[vec.Vec3]bool)
	for _, c := range sess.SubscribedChunks() {
		before[c] = true
	}

	// Переход далеко: старая зона интереса полностью выгружается
	svc.UpdatePosition(sess.ID, vec.Vec3{X: 10 * 16, Y: 0, Z: 0})

	for _, c := range sess.SubscribedChunks() {
		if before[c] {
			t.Errorf("Чанк %v остался в подписках после ухода", c)
		}
	}
	unloads := sender.waitFor(t, MsgChunkUnload, len(before))
	if len(unloads) < len(before) {
		t.Errorf("Получено %d уведомлений о выгрузке, ожидалось %d", len(unloads), len(before))
	}
}

func TestServiceEntityEventsFilteredAndDeduped(t *testing.T) {
	cm := newTestWorld(t)
	svc := newTestService(t, cm, 1)

	sender := &captureSender{}
	sess := svc.Connect(sender)
	svc.UpdatePosition(sess.ID, vec.Vec3{X: 0, Y: 0, Z: 0})
	sender.waitFor(t, MsgChunkFull, 1)

	near := uuid.New()
	far := uuid.New()
	events := []entity.Event{
		{Kind: entity.EventSpawn, ID: near, Type: entity.TypePlayer, Chunk: vec.Vec3{X: 1, Y: 0, Z: 0}, Seq: 1},
		{Kind: entity.EventSpawn, ID: far, Type: entity.TypeNPC, Chunk: vec.Vec3{X: 20, Y: 0, Z: 0}, Seq: 1},
	}
	svc.HandleEntityEvents(events)

	batches := sender.waitFor(t, MsgEntityBatch, 1)
	var batch EntityBatchMsg
	if err := json.Unmarshal(batches[0].Payload, &batch); err != nil {
		t.Fatalf("Разбор батча: %v", err)
	}
	if len(batch.Updates) != 1 || batch.Updates[0].ID != near {
		t.Errorf("Батч содержит %+v, ожидалась только ближняя сущность", batch.Updates)
	}

	// Повтор того же события (тот же Seq) не доставляется
	svc.HandleEntityEvents(events[:1])
	time.Sleep(20 * time.Millisecond)
	var count int
	for _, msg := range sender.messages(t) {
		if msg.Type == MsgEntityBatch {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Получено %d батчей, ожидался 1 (дубликат Seq отброшен)", count)
	}
}

// stallSender задерживает доставку первой дельты до сигнала release:
// моделирует медленный транспорт в момент высвобождения буфера.
type stallSender struct {
	inner   *captureSender
	mu      sync.Mutex
	stalled bool
	reached chan struct{}
	release chan struct{}
}

func newStallSender() *stallSender {
	return &stallSender{
		inner:   &captureSender{},
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *stallSender) Send(payload []byte) error {
	if msg, err := DecodeMessage(payload); err == nil && msg.Type == MsgChunkDelta {
		g.mu.Lock()
		first := !g.stalled
		g.stalled = true
		g.mu.Unlock()
		if first {
			close(g.reached)
			<-g.release
		}
	}
	return g.inner.Send(payload)
}

func TestServiceAckFlushKeepsDeltaOrder(t *testing.T) {
	cm := newTestWorld(t)
	svc := newTestService(t, cm, 0)

	sender := newStallSender()
	sess := svc.Connect(sender)
	svc.UpdatePosition(sess.ID, vec.Vec3{X: 0, Y: 0, Z: 0})
	full := decodeFull(t, sender.inner.waitFor(t, MsgChunkFull, 1)[0])

	// Первая мутация до подтверждения: дельта оседает в буфере
	first, err := cm.SetBlock(vec.Vec3{X: 1, Y: 0, Z: 0}, block.StoneBlockID)
	if err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	svc.HandleBlockChanges(1, []world.BlockChange{first})

	// Подтверждение высвобождает буфер; доставка первой дельты застревает
	// в транспорте
	ackDone := make(chan struct{})
	go func() {
		defer close(ackDone)
		if err := svc.HandleAck(sess.ID, AckMsg{Coords: full.Coords, Version: full.Version}); err != nil {
			t.Errorf("HandleAck: %v", err)
		}
	}()
	<-sender.reached

	// Пока первая дельта стоит в транспорте, тик приносит более новую
	second, err := cm.SetBlock(vec.Vec3{X: 2, Y: 0, Z: 0}, block.SandBlockID)
	if err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	svc.HandleBlockChanges(2, []world.BlockChange{second})

	close(sender.release)
	<-ackDone

	deltas := sender.inner.waitFor(t, MsgChunkDelta, 2)
	got := []uint64{decodeDelta(t, deltas[0]).Version, decodeDelta(t, deltas[1]).Version}
	if got[0] != first.Version || got[1] != second.Version {
		t.Fatalf("Нарушение порядка доставки: получены версии %v, ожидались [%d %d]",
			got, first.Version, second.Version)
	}
}
