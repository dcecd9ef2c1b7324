package tree

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/puzpuzpuz/xsync/v3"
)

// Hard ceiling on the size of any decompressed payload, independent of Config.
const maxDecodedSize = 1 << 26

var zstdDecoder *zstd.Decoder

// Encoders by compression level. EncodeAll and DecodeAll are safe for
// concurrent use, so one of each is shared by all forests.
var zstdEncoders = xsync.NewMapOf[int, *zstd.Encoder]()

func init() {
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(maxDecodedSize),
	)
	if err != nil {
		panic(err)
	}
	zstdDecoder = dec
}

func zstdEncoder(level int) (*zstd.Encoder, error) {
	if enc, ok := zstdEncoders.Load(level); ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder (level %d): %w", level, err)
	}
	actual, _ := zstdEncoders.LoadOrStore(level, enc)
	return actual, nil
}

func compress(level int, data []byte) ([]byte, error) {
	enc, err := zstdEncoder(level)
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2+16)), nil
}

func decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	return out, nil
}
