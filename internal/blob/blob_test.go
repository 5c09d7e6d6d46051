package blob

import (
	"bytes"
	"testing"

	"vaultd/internal/digest"
)

func TestEncodeDecodeRoundTripPlain(t *testing.T) {
	plaintext := []byte("hello, world")
	encoded, err := Encode(plaintext, CryptNone, nil, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	b, err := Decode(encoded, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(b.Plaintext, plaintext) {
		t.Fatalf("round trip mismatch: got %q", b.Plaintext)
	}
	if b.Type != formatTypeRawForTest() {
		t.Fatalf("expected raw type, got 0x%02x", b.Type)
	}
}

func TestEncodeDecodeRoundTripCompressed(t *testing.T) {
	plaintext := bytes.Repeat([]byte("a"), 4096)
	encoded, err := Encode(plaintext, CryptNone, nil, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(encoded) >= len(plaintext) {
		t.Fatalf("expected compression to shrink a highly repetitive payload")
	}

	b, err := Decode(encoded, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(b.Plaintext, plaintext) {
		t.Fatal("round trip mismatch")
	}
}

func TestEncodeRejectsLowGainCompression(t *testing.T) {
	// Random-ish data rarely compresses meaningfully; ask for compression
	// and expect the raw variant to win.
	plaintext := []byte("abcdefghijklmnopqrstuvwxyz0123456789")
	encoded, err := Encode(plaintext, CryptNone, nil, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Decode(encoded, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(b.Plaintext, plaintext) {
		t.Fatal("round trip mismatch")
	}
	if b.Type != formatTypeRawForTest() {
		t.Fatalf("expected raw variant, got %q", b.Type)
	}
}

func TestEncodeDecodeRoundTripEncrypted(t *testing.T) {
	key := &Key{}
	key.Secret[0] = 0x42
	key.Fingerprint = [4]byte{1, 2, 3, 4}

	plaintext := []byte("top secret chunk contents")
	encoded, err := Encode(plaintext, CryptEncrypt, key, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	b, err := Decode(encoded, key)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(b.Plaintext, plaintext) {
		t.Fatal("round trip mismatch")
	}
}

func TestDecodeEncryptedWrongKeyFails(t *testing.T) {
	key := &Key{}
	key.Secret[0] = 1
	key.Fingerprint = [4]byte{1, 1, 1, 1}

	encoded, err := Encode([]byte("data"), CryptEncrypt, key, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	wrongKey := &Key{}
	wrongKey.Secret[0] = 2
	wrongKey.Fingerprint = [4]byte{1, 1, 1, 1} // same fingerprint, different secret

	if _, err := Decode(encoded, wrongKey); err == nil {
		t.Fatal("expected decode with wrong key to fail")
	}
}

func TestDecodeCorruptCRC(t *testing.T) {
	encoded, err := Encode([]byte("payload"), CryptNone, nil, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	encoded[len(encoded)-1] ^= 0xFF // flip a payload byte

	if _, err := Decode(encoded, nil); err == nil {
		t.Fatal("expected corrupted payload to fail CRC check")
	}
}

func TestVerifyUnencrypted(t *testing.T) {
	plaintext := []byte("chunk data")
	d := digest.Compute(plaintext)
	encoded, err := Encode(plaintext, CryptNone, nil, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if err := VerifyUnencrypted(encoded, d); err != nil {
		t.Fatalf("VerifyUnencrypted: %v", err)
	}

	wrongDigest := digest.Compute([]byte("different"))
	if err := VerifyUnencrypted(encoded, wrongDigest); err == nil {
		t.Fatal("expected digest mismatch to fail")
	}
}

func TestEncodeDecodeRoundTripSeekable(t *testing.T) {
	plaintext := bytes.Repeat([]byte("seekable-chunk-content "), 1)
	plaintext = bytes.Repeat(plaintext, (seekableThreshold/len(plaintext))+1)

	encoded, err := Encode(plaintext, CryptNone, nil, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Decode(encoded, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b.Type != formatTypeSeekableForTest() {
		t.Fatalf("expected seekable type, got 0x%02x", b.Type)
	}
	if !bytes.Equal(b.Plaintext, plaintext) {
		t.Fatal("round trip mismatch")
	}
}

func TestDecodeRangeSeekable(t *testing.T) {
	plaintext := bytes.Repeat([]byte{0}, seekableThreshold+2*seekableFrameSize)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	encoded, err := Encode(plaintext, CryptNone, nil, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	start := seekableFrameSize + 17
	length := 4096
	got, err := DecodeRange(encoded, start, length, nil)
	if err != nil {
		t.Fatalf("DecodeRange: %v", err)
	}
	if !bytes.Equal(got, plaintext[start:start+length]) {
		t.Fatal("range mismatch")
	}
}

func TestDecodeRangeFallsBackForNonSeekableBlob(t *testing.T) {
	plaintext := []byte("small chunk, never goes seekable")
	encoded, err := Encode(plaintext, CryptNone, nil, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeRange(encoded, 6, 5, nil)
	if err != nil {
		t.Fatalf("DecodeRange: %v", err)
	}
	if !bytes.Equal(got, plaintext[6:11]) {
		t.Fatalf("range mismatch: got %q", got)
	}
}

func formatTypeRawForTest() byte {
	return 'r'
}

func formatTypeSeekableForTest() byte {
	return 's'
}
