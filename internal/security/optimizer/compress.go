package optimizer

import (
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"e2ee-gateway/internal/security/cryptoerr"
)

const (
	frameRaw  byte = 0
	frameZstd byte = 1
)

// Compressor 匯出狀態的 zstd 壓縮；第一個 byte 標記格式，關閉壓縮後仍可讀取舊資料
type Compressor struct {
	enabled atomic.Bool
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor 建立壓縮器
func NewCompressor(enabled bool) (*Compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, cryptoerr.Wrap("new_compressor", cryptoerr.ErrTransient, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, cryptoerr.Wrap("new_compressor", cryptoerr.ErrTransient, err)
	}
	c := &Compressor{encoder: enc, decoder: dec}
	c.enabled.Store(enabled)
	return c, nil
}

// SetEnabled 開關壓縮
func (c *Compressor) SetEnabled(enabled bool) { c.enabled.Store(enabled) }

// Enabled 是否啟用
func (c *Compressor) Enabled() bool { return c.enabled.Load() }

// Compress 壓縮資料
func (c *Compressor) Compress(data []byte) []byte {
	if !c.enabled.Load() {
		out := make([]byte, 0, len(data)+1)
		out = append(out, frameRaw)
		return append(out, data...)
	}
	return c.encoder.EncodeAll(data, []byte{frameZstd})
}

// Decompress 解壓縮資料
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	const op = "decompress"
	if len(data) == 0 {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "empty payload")
	}
	switch data[0] {
	case frameRaw:
		return append([]byte(nil), data[1:]...), nil
	case frameZstd:
		out, err := c.decoder.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, cryptoerr.Wrap(op, cryptoerr.ErrValidation, err)
		}
		return out, nil
	default:
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "unknown frame type %d", data[0])
	}
}

// Close 釋放編碼器資源
func (c *Compressor) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
