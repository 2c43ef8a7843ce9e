package replication

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world"
	"github.com/codingwatching/fmc/internal/world/block"
	"github.com/codingwatching/fmc/internal/world/entity"
)

// MessageType различает сообщения репликации
type MessageType string

const (
	MsgChunkFull   MessageType = "chunk_full"
	MsgChunkDelta  MessageType = "chunk_delta"
	MsgChunkUnload MessageType = "chunk_unload"
	MsgEntityBatch MessageType = "entity_batch"
	MsgAck         MessageType = "ack"
	MsgHello       MessageType = "hello"
	MsgMove        MessageType = "move"
	MsgBlockSet    MessageType = "block_set"
)

// Message — конверт исходящего сообщения репликации
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ChunkFullMsg — полная передача чанка. Блоки опущены для uniform-чанка.
type ChunkFullMsg struct {
	Coords    vec.Vec3        `json:"coords"`
	Version   uint64          `json:"version"`
	Uniform   bool            `json:"uniform"`
	UniformID block.BlockID   `json:"uniform_id,omitempty"`
	Blocks    []block.BlockID `json:"blocks,omitempty"`
	State     map[int]uint16  `json:"state,omitempty"`
}

// BlockUpdate — одно изменение блока внутри дельты чанка
type BlockUpdate struct {
	Index int           `json:"i"`
	ID    block.BlockID `json:"id"`
}

// ChunkDeltaMsg — дельта чанка: версия после применения и список
// изменённых блоков
type ChunkDeltaMsg struct {
	Coords  vec.Vec3      `json:"coords"`
	Version uint64        `json:"version"`
	Blocks  []BlockUpdate `json:"blocks"`
}

// ChunkUnloadMsg — уведомление о выходе чанка из зоны интереса
type ChunkUnloadMsg struct {
	Coords vec.Vec3 `json:"coords"`
}

// EntityUpdate — одно событие сущности в батче
type EntityUpdate struct {
	Kind     entity.EventKind `json:"kind"`
	ID       uuid.UUID        `json:"id"`
	Type     entity.Type      `json:"type"`
	Pos      vec.Vec3Float    `json:"pos"`
	Velocity vec.Vec3Float    `json:"vel"`
	Seq      uint64           `json:"seq"`
}

// EntityBatchMsg — батч событий сущностей за тик
type EntityBatchMsg struct {
	Updates []EntityUpdate `json:"updates"`
}

// AckMsg — подтверждение клиента: версия чанка применена
type AckMsg struct {
	Coords  vec.Vec3 `json:"coords"`
	Version uint64   `json:"version"`
}

// HelloMsg — представление клиента после подключения. До hello сервер
// не создаёт игровую сущность и игнорирует move/block_set.
type HelloMsg struct {
	PlayerID uuid.UUID `json:"player_id"`
	Name     string    `json:"name"`
}

// MoveMsg — позиция игрока от клиента
type MoveMsg struct {
	Pos vec.Vec3Float `json:"pos"`
}

// BlockSetMsg — запрос клиента на изменение блока
type BlockSetMsg struct {
	Pos vec.Vec3      `json:"pos"`
	ID  block.BlockID `json:"id"`
}

// EncodeMessage заворачивает полезную нагрузку в конверт.
// Экспортируется для клиентской стороны и инструментов.
func EncodeMessage(msgType MessageType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("сериализация %s: %w", msgType, err)
	}
	data, err := json.Marshal(Message{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("сериализация конверта %s: %w", msgType, err)
	}
	return data, nil
}

// DecodeMessage разбирает конверт (клиентская сторона и тесты)
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("разбор конверта: %w", err)
	}
	return &msg, nil
}

// fullMessageFor строит полную передачу из снимка чанка
func fullMessageFor(snap *world.ChunkSnapshot) ChunkFullMsg {
	return ChunkFullMsg{
		Coords:    snap.Coords,
		Version:   snap.Version,
		Uniform:   snap.Uniform,
		UniformID: snap.UniformID,
		Blocks:    snap.Blocks,
		State:     snap.BlockState,
	}
}
