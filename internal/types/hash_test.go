package types_test

import (
	"encoding/json"
	"testing"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

func TestHashFromBytesRoundTrip(t *testing.T) {
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(i)
	}
	h, err := types.HashFromBytes(b)
	if err != nil {
		t.Fatalf("HashFromBytes: %v", err)
	}
	if h.IsZero() {
		t.Fatal("hash should not be zero")
	}
	if h.String() != "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f" {
		t.Fatalf("unexpected hex: %s", h.String())
	}
	if h.Short() != "00010203" {
		t.Fatalf("unexpected short form: %s", h.Short())
	}
}

func TestHashFromBytesRejectsWrongLength(t *testing.T) {
	_, err := types.HashFromBytes([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("should reject wrong length")
	}
}

func TestHashFromHex(t *testing.T) {
	hexStr := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	h, err := types.HashFromHex(hexStr)
	if err != nil {
		t.Fatalf("HashFromHex: %v", err)
	}
	if h.String() != hexStr {
		t.Fatalf("round-trip mismatch: got %s", h.String())
	}
	if _, err := types.HashFromHex("zz"); err == nil {
		t.Fatal("should reject invalid hex")
	}
}

func TestZeroHash(t *testing.T) {
	var h types.Hash
	if !h.IsZero() {
		t.Fatal("default hash should be zero")
	}
	if h != types.ZeroHash {
		t.Fatal("default hash should equal ZeroHash")
	}
}

func TestHashCompare(t *testing.T) {
	a := types.Hash{0x01}
	b := types.Hash{0x02}
	if a.Compare(b) >= 0 || b.Compare(a) <= 0 || a.Compare(a) != 0 {
		t.Fatal("compare must order by byte value")
	}
}

func TestHashAsJSONMapKey(t *testing.T) {
	in := map[types.BlockKey]int{{0xab}: 7}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[types.BlockKey]int
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out[types.BlockKey{0xab}] != 7 {
		t.Fatalf("map key round trip failed: %s", data)
	}
}
