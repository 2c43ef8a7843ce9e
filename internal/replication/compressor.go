package replication

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// PayloadCompressor кодирует сериализованные сообщения в компактный вид
// перед передачей транспорту и обратно на принимающей стороне.
type PayloadCompressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(payload []byte) ([]byte, error)
}

// passthroughCompressor возвращает вход как есть (тесты, отладка трафика)
type passthroughCompressor struct{}

// NewPassthroughCompressor создаёт компрессор без сжатия
func NewPassthroughCompressor() PayloadCompressor { return &passthroughCompressor{} }

func (p *passthroughCompressor) Compress(data []byte) ([]byte, error) { return data, nil }
func (p *passthroughCompressor) Decompress(payload []byte) ([]byte, error) { return payload, nil }

// zstdCompressor сжимает полезную нагрузку zstd. JSON-сообщения чанков
// сильно избыточны, сжатие окупается уже на одной полной передаче.
type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCompressor создаёт zstd-компрессор полезной нагрузки
func NewZstdCompressor() (PayloadCompressor, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("инициализация zstd-энкодера: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("инициализация zstd-декодера: %w", err)
	}
	return &zstdCompressor{encoder: encoder, decoder: decoder}, nil
}

func (z *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *zstdCompressor) Decompress(payload []byte) ([]byte, error) {
	out, err := z.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("распаковка полезной нагрузки: %w", err)
	}
	return out, nil
}
