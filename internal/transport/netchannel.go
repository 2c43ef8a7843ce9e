// Package transport отвечает за доставку кадров между сервером и клиентами.
// Кадры непрозрачны: сериализацию и сжатие выполняет уровень репликации.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxFrameSize ограничивает размер кадра. Полная передача чанка в худшем
// случае (несжимаемые блоки + состояния) укладывается с большим запасом.
const MaxFrameSize = 4 << 20

// ErrFrameTooLarge возвращается при нарушении лимита размера кадра
var ErrFrameTooLarge = errors.New("кадр превышает предельный размер")

// ErrChannelClosed возвращается операциями над закрытым каналом
var ErrChannelClosed = errors.New("канал закрыт")

// ConnectionStats — статистика одного соединения
type ConnectionStats struct {
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
	LastActivity   time.Time
	RemoteAddr     string
}

// NetChannel — двунаправленный канал кадров с одним клиентом
type NetChannel interface {
	// Send доставляет кадр; блокируется при заполненном окне отправки
	Send(payload []byte) error

	// Receive блокируется до следующего входящего кадра или закрытия
	Receive() ([]byte, error)

	Close() error
	RemoteAddr() string
	Stats() ConnectionStats
}

// WriteFrame пишет кадр с 4-байтным LE-префиксом длины
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d байт", ErrFrameTooLarge, len(payload))
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("запись заголовка кадра: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("запись кадра: %w", err)
	}
	return nil
}

// ReadFrame читает один кадр, валидируя длину до аллокации
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d байт", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("чтение кадра: %w", err)
	}
	return payload, nil
}

// loopbackChannel — внутрипроцессный канал для тестов и демо
type loopbackChannel struct {
	name string
	out  chan []byte
	in   chan []byte

	mu     sync.Mutex
	stats  ConnectionStats
	closed chan struct{}
	once   sync.Once
}

// Pair создаёт два связанных внутрипроцессных канала: кадры, отправленные
// в один, приходят из другого
func Pair(buffer int) (NetChannel, NetChannel) {
	if buffer <= 0 {
		buffer = 64
	}
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	closed := make(chan struct{})

	a := &loopbackChannel{name: "loopback-a", out: ab, in: ba, closed: closed}
	b := &loopbackChannel{name: "loopback-b", out: ba, in: ab, closed: closed}
	return a, b
}

func (c *loopbackChannel) Send(payload []byte) error {
	frame := make([]byte, len(payload))
	copy(frame, payload)

	select {
	case <-c.closed:
		return ErrChannelClosed
	case c.out <- frame:
	}

	c.mu.Lock()
	c.stats.FramesSent++
	c.stats.BytesSent += uint64(len(frame))
	c.stats.LastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *loopbackChannel) Receive() ([]byte, error) {
	select {
	case <-c.closed:
		// Дочитываем буфер после закрытия
		select {
		case frame := <-c.in:
			c.noteReceived(frame)
			return frame, nil
		default:
			return nil, ErrChannelClosed
		}
	case frame := <-c.in:
		c.noteReceived(frame)
		return frame, nil
	}
}

func (c *loopbackChannel) noteReceived(frame []byte) {
	c.mu.Lock()
	c.stats.FramesReceived++
	c.stats.BytesReceived += uint64(len(frame))
	c.stats.LastActivity = time.Now()
	c.mu.Unlock()
}

func (c *loopbackChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *loopbackChannel) RemoteAddr() string { return c.name }

func (c *loopbackChannel) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
