// Optional body compression for Document/Edge marker bodies.
//
// Unlike the teacher's history snapshots, marker bodies here are
// opaque binary blobs living inside an 8-byte-aligned marker, not
// strings embedded in JSON — there is no newline or escaping concern,
// so the Ascii85 printable-encoding step the teacher needed is dropped
// entirely. What's kept is the zstd encoder/decoder pair and the
// fastest-speed rationale: Config.CompressBodies runs compression on
// every write and decompression on every read, so construction cost
// (dictionaries, state tables) is paid once at Open, not per call.
package ledger

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// bodyCodec holds the zstd encoder/decoder pair used when
// Config.CompressBodies is enabled. Both are safe for concurrent use
// per the zstd package's documentation.
type bodyCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newBodyCodec() (*bodyCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("ledger: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: zstd decoder: %w", err)
	}
	return &bodyCodec{enc: enc, dec: dec}, nil
}

func (c *bodyCodec) compress(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	return c.enc.EncodeAll(body, nil)
}

func (c *bodyCodec) decompress(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	out, err := c.dec.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompress, err)
	}
	return out, nil
}

func (c *bodyCodec) Close() {
	if c == nil {
		return
	}
	c.enc.Close()
	c.dec.Close()
}
