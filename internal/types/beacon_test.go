package types

import (
	"encoding/json"
	"testing"
)

func TestHashHex(t *testing.T) {
	h := Hash{0xde, 0xad, 0xbe, 0xef}
	parsed, err := HashFromHex(h.String())
	if err != nil {
		t.Fatalf("HashFromHex: %v", err)
	}
	if parsed != h {
		t.Errorf("got %s, want %s", parsed, h)
	}
	if h.Short() != "deadbeef" {
		t.Errorf("Short = %s", h.Short())
	}
	if _, err := HashFromHex("abcd"); err == nil {
		t.Error("short hex should fail")
	}
	if _, err := HashFromHex("zz"); err == nil {
		t.Error("bad hex should fail")
	}
}

func TestBeaconOrdering(t *testing.T) {
	a := CheckpointBeacon{Epoch: 10, BlockHash: Hash{1}}
	b := CheckpointBeacon{Epoch: 10, BlockHash: Hash{2}}
	c := CheckpointBeacon{Epoch: 11, BlockHash: Hash{0}}

	if !a.Less(b) || b.Less(a) {
		t.Error("equal epochs should order by hash")
	}
	if !b.Less(c) {
		t.Error("lower epoch should sort first")
	}
	if !a.ForksFrom(b) {
		t.Error("same epoch, different hash is a fork")
	}
	if a.ForksFrom(a) || a.ForksFrom(c) {
		t.Error("unexpected fork")
	}
}

func TestParseBeacon(t *testing.T) {
	b := CheckpointBeacon{Epoch: 42, BlockHash: Hash{9, 9}}
	got, err := ParseBeacon(b.String())
	if err != nil {
		t.Fatalf("ParseBeacon: %v", err)
	}
	if got != b {
		t.Errorf("got %v, want %v", got, b)
	}

	for _, bad := range []string{"", "42", "x:00", "42:zz"} {
		if _, err := ParseBeacon(bad); err == nil {
			t.Errorf("ParseBeacon(%q) should fail", bad)
		}
	}
}

func TestOutputPointerAsMapKey(t *testing.T) {
	in := map[OutputPointer]Output{
		{TxHash: Hash{1}, Index: 2}: {Amount: 5, Address: "a"},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[OutputPointer]Output
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out[OutputPointer{TxHash: Hash{1}, Index: 2}].Amount != 5 {
		t.Errorf("lost entry: %s", data)
	}
}

func TestAddressInfoMerge(t *testing.T) {
	acc := AddressInfo{}.Merge(AddressInfo{Address: "a", Index: 3, ReceivedPayments: 1, ReceivedAmount: 4, FirstEpoch: 8, LastEpoch: 8})
	acc = acc.Merge(AddressInfo{Address: "a", ReceivedPayments: 1, ReceivedAmount: 6, FirstEpoch: 6, LastEpoch: 6})
	if acc.ReceivedPayments != 2 || acc.ReceivedAmount != 10 {
		t.Errorf("counters = %d/%d", acc.ReceivedPayments, acc.ReceivedAmount)
	}
	if acc.FirstEpoch != 6 || acc.LastEpoch != 8 {
		t.Errorf("window = [%d,%d], want [6,8]", acc.FirstEpoch, acc.LastEpoch)
	}
	if acc.Index != 3 {
		t.Errorf("index = %d", acc.Index)
	}
}

func TestMovementDelta(t *testing.T) {
	if (BalanceMovement{Kind: Credit, Amount: 5}).Delta() != 5 {
		t.Error("credit delta")
	}
	if (BalanceMovement{Kind: Debit, Amount: 5}).Delta() != -5 {
		t.Error("debit delta")
	}
}
