package escrow

import (
	"math/big"
	"testing"
)

func TestStatusProgressionNames(t *testing.T) {
	cases := map[Status]string{
		StatusEmpty:             "empty",
		StatusFunded:            "funded",
		StatusDeliveryConfirmed: "delivery_confirmed",
		StatusReleased:          "released",
		StatusRefunded:          "refunded",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", status, got, want)
		}
		if !status.Valid() {
			t.Fatalf("%s should be valid", want)
		}
	}
	if Status(99).Valid() {
		t.Fatal("out-of-range status reported valid")
	}
	if !StatusReleased.Terminal() || !StatusRefunded.Terminal() {
		t.Fatal("released and refunded must be terminal")
	}
	if StatusFunded.Terminal() {
		t.Fatal("funded must not be terminal")
	}
}

func TestCloneIsDeep(t *testing.T) {
	esc := &Escrow{Amount: big.NewInt(100), Status: StatusFunded}
	clone := esc.Clone()
	clone.Amount.SetInt64(999)
	clone.Status = StatusReleased
	if esc.Amount.Int64() != 100 {
		t.Fatalf("clone shares amount with original")
	}
	if esc.Status != StatusFunded {
		t.Fatalf("clone shares status with original")
	}
}

func TestSanitizeRejectsBadRecords(t *testing.T) {
	if _, err := Sanitize(nil); err == nil {
		t.Fatal("nil record accepted")
	}
	if _, err := Sanitize(&Escrow{Amount: big.NewInt(-1)}); err == nil {
		t.Fatal("negative amount accepted")
	}
	if _, err := Sanitize(&Escrow{Status: Status(42)}); err == nil {
		t.Fatal("invalid status accepted")
	}
	sanitized, err := Sanitize(&Escrow{Status: StatusFunded})
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if sanitized.Amount == nil || sanitized.Amount.Sign() != 0 {
		t.Fatal("nil amount should normalise to zero")
	}
}
