package ledger

import (
	"bytes"
	"testing"
)

func TestBodyCodecRoundTrip(t *testing.T) {
	codec, err := newBodyCodec()
	if err != nil {
		t.Fatalf("newBodyCodec: %v", err)
	}
	defer codec.Close()

	cases := [][]byte{
		[]byte("hello world"),
		{},
		{0x00, 0x01, 0xff, 0xfe},
		bytes.Repeat([]byte("repeat me "), 5000),
		[]byte(`{"shape":1,"fields":{"a":1,"b":"two"}}`),
	}
	for _, body := range cases {
		encoded := codec.compress(body)
		decoded, err := codec.decompress(encoded)
		if err != nil {
			t.Fatalf("decompress: %v", err)
		}
		if !bytes.Equal(decoded, body) {
			t.Errorf("round trip failed for %d-byte body", len(body))
		}
	}
}

func TestBodyCodecEmptyFastPath(t *testing.T) {
	codec, err := newBodyCodec()
	if err != nil {
		t.Fatalf("newBodyCodec: %v", err)
	}
	defer codec.Close()

	encoded := codec.compress(nil)
	if len(encoded) != 0 {
		t.Errorf("compress(nil) = %v, want empty", encoded)
	}
	decoded, err := codec.decompress(nil)
	if err != nil {
		t.Fatalf("decompress(nil): %v", err)
	}
	if len(decoded) != 0 {
		t.Errorf("decompress(nil) = %v, want empty", decoded)
	}
}

// TestBodyCodecDecompressCorrupt verifies a mangled frame surfaces
// ErrDecompress rather than panicking or returning garbage bytes.
func TestBodyCodecDecompressCorrupt(t *testing.T) {
	codec, err := newBodyCodec()
	if err != nil {
		t.Fatalf("newBodyCodec: %v", err)
	}
	defer codec.Close()

	encoded := codec.compress([]byte("some real content"))
	encoded[0] ^= 0xFF // corrupt the zstd frame magic
	if _, err := codec.decompress(encoded); err == nil {
		t.Fatal("decompress of a corrupted frame should fail")
	}
}

// TestBodyCodecCloseNilSafe verifies Close tolerates a nil receiver,
// since DocumentCollection.codec is nil whenever CompressBodies is off
// and cleanup.go unconditionally calls c.codec.Close() during unload.
func TestBodyCodecCloseNilSafe(t *testing.T) {
	var codec *bodyCodec
	codec.Close() // must not panic
}
