package saga

import (
	"testing"

	"github.com/google/uuid"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
)

func TestOrderRefRoundTrip(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := uuid.New()
		ref := EncodeOrderRef(id)
		decoded, err := DecodeOrderRef(ref)
		if err != nil {
			t.Fatalf("DecodeOrderRef(%q) failed: %v", ref, err)
		}
		if decoded != id {
			t.Fatalf("round trip mismatch: got %s, want %s", decoded, id)
		}
	}
}

func TestEncodeOrderRefFormat(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	ref := EncodeOrderRef(id)
	want := "SUB_550e8400e29b41d4a716446655440000"
	if ref != want {
		t.Errorf("EncodeOrderRef = %q, want %q", ref, want)
	}
}

func TestDecodeOrderRefForeignPrefix(t *testing.T) {
	cases := []string{
		"ORD_550e8400e29b41d4a716446655440000",
		"550e8400e29b41d4a716446655440000",
		"",
		"SUB",
	}
	for _, ref := range cases {
		_, err := DecodeOrderRef(ref)
		if err == nil {
			t.Errorf("DecodeOrderRef(%q) = nil error, want DECODE_FAILED", ref)
			continue
		}
		if !core.HasCode(err, core.ErrDecodeFailed) {
			t.Errorf("DecodeOrderRef(%q) error code = %v, want DECODE_FAILED", ref, err)
		}
	}
}

func TestDecodeOrderRefInvalidHex(t *testing.T) {
	cases := []string{
		"SUB_zzze8400e29b41d4a716446655440000",
		"SUB_550e8400",
		"SUB_550e8400e29b41d4a71644665544000042",
	}
	for _, ref := range cases {
		if _, err := DecodeOrderRef(ref); !core.HasCode(err, core.ErrDecodeFailed) {
			t.Errorf("DecodeOrderRef(%q) error = %v, want DECODE_FAILED", ref, err)
		}
	}
}
