package block

// BlockID представляет идентификатор блока
type BlockID uint16

// Константы ID блоков. Плотная нумерация: ID попадают в массив блоков чанка
// и в сетевые сообщения как есть.
const (
	AirBlockID    BlockID = iota // 0
	StoneBlockID                 // 1
	DirtBlockID                  // 2
	GrassBlockID                 // 3
	SandBlockID                  // 4
	WaterBlockID                 // 5
	GravelBlockID                // 6
	WoodBlockID                  // 7
	LeavesBlockID                // 8
	SnowBlockID                  // 9
)

// Definition описывает статические свойства типа блока
type Definition struct {
	ID          BlockID
	Name        string
	Solid       bool  // препятствует движению
	Transparent bool  // пропускает свет
	LightLevel  uint8 // собственное излучение 0..15
}

var (
	registry = make(map[BlockID]Definition)
	byName   = make(map[string]BlockID)
)

// Register добавляет определение блока в регистр
func Register(def Definition) {
	registry[def.ID] = def
	byName[def.Name] = def.ID
}

// Get возвращает определение для указанного ID
func Get(id BlockID) (Definition, bool) {
	def, exists := registry[id]
	return def, exists
}

// MustGet возвращает определение блока, для неизвестного ID — воздух
func MustGet(id BlockID) Definition {
	if def, exists := registry[id]; exists {
		return def
	}
	return registry[AirBlockID]
}

// IDByName возвращает идентификатор блока по имени
func IDByName(name string) (BlockID, bool) {
	id, exists := byName[name]
	return id, exists
}

// IsValidBlockID проверяет, является ли ID допустимым идентификатором блока
func IsValidBlockID(id BlockID) bool {
	_, exists := registry[id]
	return exists
}

// Count возвращает число зарегистрированных блоков
func Count() int {
	return len(registry)
}
