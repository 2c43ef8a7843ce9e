package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/klauspost/compress/zstd"

	"github.com/codingwatching/fmc/internal/logging"
	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world"
	"github.com/codingwatching/fmc/internal/world/block"
)

const (
	// FormatVersion — версия бинарного формата чанков. Несовпадение с
	// world:meta означает несовместимую базу: загрузки сообщают
	// "отсутствует", мир регенерируется.
	FormatVersion uint32 = 1

	metaKey     = "world:meta"
	chunkPrefix = "chunk:"

	lockStripes = 64
)

// WorldMeta — метаданные базы мира
type WorldMeta struct {
	Format uint32
	Seed   int64
}

// ChunkStore — долговременное хранилище чанков поверх BadgerDB.
// Значения сжаты zstd, целостность защищена CRC32 по несжатому телу.
// Повреждённая запись считается отсутствующей: чанк регенерируется.
type ChunkStore struct {
	db            *badger.DB
	meta          WorldMeta
	useStoredSeed bool
	logger        *logging.Logger

	// Полосатые локи сериализуют записи одной координаты,
	// не останавливая записи остальных
	stripes [lockStripes]sync.Mutex

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// StoreOptions — параметры открытия хранилища
type StoreOptions struct {
	Path string // каталог данных; база живёт в <Path>/world
	Seed int64  // сид мира для world:meta

	// UseStoredSeed велит принять формат и сид из world:meta вместо
	// переданных. Используется инструментами, которым сид мира
	// заранее неизвестен; world:meta при этом не перезаписывается.
	UseStoredSeed bool
}

// Open открывает (или создаёт) базу мира и сверяет world:meta
func Open(opts StoreOptions) (*ChunkStore, error) {
	dbPath := filepath.Join(opts.Path, "world")
	badgerOpts := badger.DefaultOptions(dbPath)
	badgerOpts.Logger = nil

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("открытие BadgerDB: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("инициализация zstd-энкодера: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("инициализация zstd-декодера: %w", err)
	}

	cs := &ChunkStore{
		db:            db,
		meta:          WorldMeta{Format: FormatVersion, Seed: opts.Seed},
		useStoredSeed: opts.UseStoredSeed,
		logger:        logging.GetStorageLogger(),
		encoder:       encoder,
		decoder:       decoder,
	}

	if err := cs.checkMeta(); err != nil {
		db.Close()
		return nil, err
	}

	cs.logger.Info("🚀 Хранилище чанков открыто: %s (формат %d, сид %d)", dbPath, cs.meta.Format, cs.meta.Seed)
	return cs, nil
}

// checkMeta сверяет world:meta с параметрами открытия. Несовпадение
// формата или сида не ошибка: мета перезаписывается, старые записи
// перестают проходить проверку заголовка и читаются как отсутствующие.
func (cs *ChunkStore) checkMeta() error {
	var stored *WorldMeta
	err := cs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			m, err := decodeMeta(val)
			if err != nil {
				return err
			}
			stored = &m
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("чтение world:meta: %w", err)
	}

	if stored != nil && cs.useStoredSeed {
		cs.meta = *stored
		return nil
	}

	if stored != nil && (stored.Format != cs.meta.Format || stored.Seed != cs.meta.Seed) {
		cs.logger.Warn("⚠️ world:meta (формат %d, сид %d) не совпадает с запрошенными (формат %d, сид %d): сохранённые чанки будут регенерированы",
			stored.Format, stored.Seed, cs.meta.Format, cs.meta.Seed)
	}
	return cs.writeMeta()
}

func (cs *ChunkStore) writeMeta() error {
	data := encodeMeta(cs.meta)
	err := cs.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaKey), data)
	})
	if err != nil {
		return fmt.Errorf("запись world:meta: %w", err)
	}
	return nil
}

// Meta возвращает метаданные открытой базы
func (cs *ChunkStore) Meta() WorldMeta { return cs.meta }

func chunkKey(coords vec.Vec3) []byte {
	return []byte(fmt.Sprintf("%s%d:%d:%d", chunkPrefix, coords.X, coords.Y, coords.Z))
}

// parseChunkKey разбирает ключ обратно в координаты (обход в CLI)
func parseChunkKey(key []byte) (vec.Vec3, bool) {
	var coords vec.Vec3
	n, err := fmt.Sscanf(string(key), chunkPrefix+"%d:%d:%d", &coords.X, &coords.Y, &coords.Z)
	return coords, err == nil && n == 3
}

func (cs *ChunkStore) stripe(coords vec.Vec3) *sync.Mutex {
	h := uint64(int64(coords.X))*2654435761 ^ uint64(int64(coords.Y))*40503 ^ uint64(int64(coords.Z))*2246822519
	return &cs.stripes[h%lockStripes]
}

// Save атомарно записывает снимок чанка. Конкурентные записи одной
// координаты сериализуются полосатым локом.
func (cs *ChunkStore) Save(coords vec.Vec3, snap *world.ChunkSnapshot) error {
	body := encodeSnapshot(snap)
	record := cs.sealRecord(body)

	lock := cs.stripe(coords)
	lock.Lock()
	defer lock.Unlock()

	err := cs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(coords), record)
	})
	if err != nil {
		return fmt.Errorf("запись чанка %v: %w", coords, err)
	}
	return nil
}

// Load читает чанк. Отсутствие, повреждение и несовпадение контрольной
// суммы дают (nil, false, nil): вызывающий регенерирует чанк.
func (cs *ChunkStore) Load(coords vec.Vec3) (*world.Chunk, bool, error) {
	var record []byte
	err := cs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(coords))
		if err != nil {
			return err
		}
		record, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("чтение чанка %v: %w", coords, err)
	}

	snap, err := cs.openRecord(record)
	if err != nil {
		cs.logger.Warn("Чанк %v повреждён (%v) — будет регенерирован", coords, err)
		return nil, false, nil
	}
	snap.Coords = coords

	return world.RestoreChunk(snap), true, nil
}

// Delete удаляет чанк из базы
func (cs *ChunkStore) Delete(coords vec.Vec3) error {
	lock := cs.stripe(coords)
	lock.Lock()
	defer lock.Unlock()

	err := cs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(chunkKey(coords))
	})
	if err != nil {
		return fmt.Errorf("удаление чанка %v: %w", coords, err)
	}
	return nil
}

// ChunkVisitor получает координаты и снимок каждого сохранённого чанка.
// Ошибка прерывает обход.
type ChunkVisitor func(coords vec.Vec3, snap *world.ChunkSnapshot) error

// ForEach обходит все сохранённые чанки (офлайн-инструменты).
// Повреждённая запись прерывает обход с ошибкой.
func (cs *ChunkStore) ForEach(visit ChunkVisitor) error {
	return cs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(chunkPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			coords, ok := parseChunkKey(item.Key())
			if !ok {
				continue
			}
			record, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			snap, err := cs.openRecord(record)
			if err != nil {
				return fmt.Errorf("чанк %v: %w", coords, err)
			}
			snap.Coords = coords
			if err := visit(coords, snap); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count возвращает число сохранённых чанков
func (cs *ChunkStore) Count() (int, error) {
	count := 0
	err := cs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(chunkPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// FlushAll принудительно сбрасывает WAL на диск
func (cs *ChunkStore) FlushAll() error {
	if err := cs.db.Sync(); err != nil {
		return fmt.Errorf("синхронизация BadgerDB: %w", err)
	}
	return nil
}

// Close закрывает базу
func (cs *ChunkStore) Close() error {
	cs.encoder.Close()
	cs.decoder.Close()
	if err := cs.db.Close(); err != nil {
		return fmt.Errorf("закрытие BadgerDB: %w", err)
	}
	cs.logger.Info("✅ Хранилище чанков закрыто")
	return nil
}

// sealRecord собирает запись: [format u32][seed i64][crc32 u32][zstd(body)].
// Формат и сид в заголовке инвалидируют запись при смене мира без
// полного стирания базы.
func (cs *ChunkStore) sealRecord(body []byte) []byte {
	record := make([]byte, 16, 16+len(body)/2)
	binary.LittleEndian.PutUint32(record[0:4], cs.meta.Format)
	binary.LittleEndian.PutUint64(record[4:12], uint64(cs.meta.Seed))
	binary.LittleEndian.PutUint32(record[12:16], crc32.ChecksumIEEE(body))
	return cs.encoder.EncodeAll(body, record)
}

// openRecord распаковывает запись и валидирует заголовок и контрольную сумму
func (cs *ChunkStore) openRecord(record []byte) (*world.ChunkSnapshot, error) {
	if len(record) < 16 {
		return nil, errors.New("запись короче заголовка")
	}
	format := binary.LittleEndian.Uint32(record[0:4])
	if format != cs.meta.Format {
		return nil, fmt.Errorf("формат записи %d, ожидался %d", format, cs.meta.Format)
	}
	seed := int64(binary.LittleEndian.Uint64(record[4:12]))
	if seed != cs.meta.Seed {
		return nil, fmt.Errorf("запись от мира с сидом %d, открыт %d", seed, cs.meta.Seed)
	}
	wantCRC := binary.LittleEndian.Uint32(record[12:16])

	body, err := cs.decoder.DecodeAll(record[16:], nil)
	if err != nil {
		return nil, fmt.Errorf("распаковка zstd: %w", err)
	}
	if got := crc32.ChecksumIEEE(body); got != wantCRC {
		return nil, fmt.Errorf("контрольная сумма %08x, ожидалась %08x", got, wantCRC)
	}

	return decodeSnapshot(body)
}

const (
	flagUniform byte = 1 << 0
)

// encodeSnapshot сериализует снимок чанка в несжатое тело записи.
// Формат: [flags u8][version u64], затем либо [uniformID u16], либо
// [blocks 4096×u16][aux 4096×u8], затем [stateCount u32]([idx u16][val u16])*.
func encodeSnapshot(snap *world.ChunkSnapshot) []byte {
	var buf bytes.Buffer
	if snap.Uniform {
		buf.Grow(16)
	} else {
		buf.Grow(1 + 8 + world.ChunkVolume*3 + 4)
	}

	var flags byte
	if snap.Uniform {
		flags |= flagUniform
	}
	buf.WriteByte(flags)

	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], snap.Version)
	buf.Write(scratch[:])

	if snap.Uniform {
		binary.LittleEndian.PutUint16(scratch[:2], uint16(snap.UniformID))
		buf.Write(scratch[:2])
	} else {
		for _, id := range snap.Blocks {
			binary.LittleEndian.PutUint16(scratch[:2], uint16(id))
			buf.Write(scratch[:2])
		}
		buf.Write(snap.Aux)
	}

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(snap.BlockState)))
	buf.Write(scratch[:4])
	for idx, val := range snap.BlockState {
		binary.LittleEndian.PutUint16(scratch[:2], uint16(idx))
		binary.LittleEndian.PutUint16(scratch[2:4], val)
		buf.Write(scratch[:4])
	}

	return buf.Bytes()
}

// decodeSnapshot разбирает несжатое тело записи
func decodeSnapshot(body []byte) (*world.ChunkSnapshot, error) {
	r := bytes.NewReader(body)

	var flags byte
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, fmt.Errorf("чтение флагов: %w", err)
	}
	snap := &world.ChunkSnapshot{Uniform: flags&flagUniform != 0}

	if err := binary.Read(r, binary.LittleEndian, &snap.Version); err != nil {
		return nil, fmt.Errorf("чтение версии: %w", err)
	}

	if snap.Uniform {
		var id uint16
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return nil, fmt.Errorf("чтение uniform-блока: %w", err)
		}
		snap.UniformID = block.BlockID(id)
	} else {
		blocks := make([]uint16, world.ChunkVolume)
		if err := binary.Read(r, binary.LittleEndian, blocks); err != nil {
			return nil, fmt.Errorf("чтение блоков: %w", err)
		}
		snap.Blocks = make([]block.BlockID, world.ChunkVolume)
		for i, id := range blocks {
			snap.Blocks[i] = block.BlockID(id)
		}
		snap.Aux = make([]uint8, world.ChunkVolume)
		if _, err := io.ReadFull(r, snap.Aux); err != nil {
			return nil, fmt.Errorf("чтение aux: %w", err)
		}
	}

	var stateCount uint32
	if err := binary.Read(r, binary.LittleEndian, &stateCount); err != nil {
		return nil, fmt.Errorf("чтение числа состояний: %w", err)
	}
	if stateCount > world.ChunkVolume {
		return nil, fmt.Errorf("число состояний %d превышает объём чанка", stateCount)
	}
	if stateCount > 0 {
		snap.BlockState = make(map[int]uint16, stateCount)
		for i := uint32(0); i < stateCount; i++ {
			var idx, val uint16
			if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
				return nil, fmt.Errorf("чтение состояния %d: %w", i, err)
			}
			if err := binary.Read(r, binary.LittleEndian, &val); err != nil {
				return nil, fmt.Errorf("чтение состояния %d: %w", i, err)
			}
			snap.BlockState[int(idx)] = val
		}
	}

	return snap, nil
}

func encodeMeta(meta WorldMeta) []byte {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], meta.Format)
	binary.LittleEndian.PutUint64(data[4:12], uint64(meta.Seed))
	return data
}

func decodeMeta(data []byte) (WorldMeta, error) {
	if len(data) != 12 {
		return WorldMeta{}, fmt.Errorf("world:meta длиной %d байт, ожидалось 12", len(data))
	}
	return WorldMeta{
		Format: binary.LittleEndian.Uint32(data[0:4]),
		Seed:   int64(binary.LittleEndian.Uint64(data[4:12])),
	}, nil
}
