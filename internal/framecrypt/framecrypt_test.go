package framecrypt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/opencortex/eeg-agent/internal/eeg"
)

const testSerial = "SN20120229000290"

func TestDeriveKeyDeterministic(t *testing.T) {
	k1, ok1 := DeriveKey(testSerial, eeg.VariantConsumer)
	k2, ok2 := DeriveKey(testSerial, eeg.VariantConsumer)
	if !ok1 || !ok2 {
		t.Fatal("valid serial reported as unusable")
	}
	if !bytes.Equal(k1, k2) {
		t.Error("same inputs produced different keys")
	}
	if len(k1) != 16 {
		t.Errorf("key length = %d, want 16", len(k1))
	}
}

func TestDeriveKeyVariants(t *testing.T) {
	consumer, _ := DeriveKey(testSerial, eeg.VariantConsumer)
	research, _ := DeriveKey(testSerial, eeg.VariantResearch)
	if bytes.Equal(consumer, research) {
		t.Error("consumer and research schedules produced the same key")
	}
}

func TestDeriveKeyDifferentSerials(t *testing.T) {
	k1, _ := DeriveKey("SN20120229000290", eeg.VariantConsumer)
	k2, _ := DeriveKey("SN20130612000417", eeg.VariantConsumer)
	if bytes.Equal(k1, k2) {
		t.Error("different serials produced the same key")
	}
}

func TestDeriveKeyMalformedSerialFallsOpen(t *testing.T) {
	short, ok := DeriveKey("short", eeg.VariantConsumer)
	if ok {
		t.Error("short serial reported usable")
	}
	empty, ok := DeriveKey("", eeg.VariantConsumer)
	if ok {
		t.Error("empty serial reported usable")
	}
	if !bytes.Equal(short, empty) {
		t.Error("fallback key is not stable")
	}
	if !New("short", eeg.VariantConsumer).Degraded() {
		t.Error("context from malformed serial not marked degraded")
	}
	if New(testSerial, eeg.VariantConsumer).Degraded() {
		t.Error("context from valid serial marked degraded")
	}
}

func TestDecryptRejectsShortFrames(t *testing.T) {
	c := New(testSerial, eeg.VariantConsumer)
	for _, n := range []int{0, 1, 15} {
		_, err := c.DecryptFrame(make([]byte, n))
		if !errors.Is(err, eeg.ErrFrameTooShort) {
			t.Errorf("frame of %d bytes: got %v, want ErrFrameTooShort", n, err)
		}
	}
	if _, err := c.EncryptFrame(make([]byte, 3)); !errors.Is(err, eeg.ErrFrameTooShort) {
		t.Errorf("short plaintext: got %v, want ErrFrameTooShort", err)
	}
}

func TestDecryptRoundTrip(t *testing.T) {
	c := New(testSerial, eeg.VariantResearch)
	for _, blocks := range []int{1, 2, 4} {
		plain := make([]byte, blocks*BlockSize)
		for i := range plain {
			plain[i] = byte(i * 7)
		}
		enc, err := c.EncryptFrame(plain)
		if err != nil {
			t.Fatalf("%d blocks: encrypt failed: %v", blocks, err)
		}
		dec, err := c.DecryptFrame(enc)
		if err != nil {
			t.Fatalf("%d blocks: decrypt failed: %v", blocks, err)
		}
		if len(dec) != blocks*BlockSize {
			t.Errorf("%d blocks in, %d bytes out", blocks, len(dec))
		}
		if !bytes.Equal(dec, plain) {
			t.Errorf("%d blocks: round trip mismatch", blocks)
		}
	}
}

func TestDecryptBlocksAreIndependent(t *testing.T) {
	// Each block decrypts standalone: the second block of a two-block
	// frame must decrypt to the same plaintext as the same bytes sent as
	// a single-block frame.
	c := New(testSerial, eeg.VariantConsumer)
	plain := make([]byte, 2*BlockSize)
	for i := range plain {
		plain[i] = byte(0x30 + i)
	}
	enc, _ := c.EncryptFrame(plain)
	wholeDec, _ := c.DecryptFrame(enc)
	secondDec, _ := c.DecryptFrame(enc[BlockSize:])
	if !bytes.Equal(wholeDec[BlockSize:], secondDec) {
		t.Error("block decryption is not position independent")
	}
}

func TestDecryptDropsPartialTail(t *testing.T) {
	c := New(testSerial, eeg.VariantConsumer)
	raw := make([]byte, BlockSize+5)
	dec, err := c.DecryptFrame(raw)
	if err != nil {
		t.Fatal("frame with partial tail rejected entirely")
	}
	if len(dec) != BlockSize {
		t.Errorf("got %d bytes, want %d", len(dec), BlockSize)
	}
}

func TestIdentityContext(t *testing.T) {
	c := NewIdentity()
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = byte(i)
	}
	dec, err := c.DecryptFrame(raw)
	if err != nil || !bytes.Equal(dec, raw) {
		t.Error("identity context altered the frame")
	}
	if c.Degraded() {
		t.Error("identity context marked degraded")
	}

	// unencrypted families emit frames below the cipher block size; the
	// identity context must not impose the block constraint on them
	short, err := c.DecryptFrame([]byte{1, 2, 3, 4, 5, 6})
	if err != nil || len(short) != 6 {
		t.Errorf("identity context rejected sub-block frame: %v", err)
	}
}
