package pgtype

import "testing"

func TestDecodeTextInt4(t *testing.T) {
	v, err := DecodeText(OIDInt4, "42")
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if v.Int != 42 {
		t.Errorf("Int = %d, want 42", v.Int)
	}
}

func TestDecodeTextVarchar(t *testing.T) {
	v, err := DecodeText(OIDVarchar, "hello")
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if v.Text != "hello" {
		t.Errorf("Text = %q, want hello", v.Text)
	}
}

func TestDecodeTextTimestamp(t *testing.T) {
	v, err := DecodeText(OIDTimestamp, "2024-01-15 10:30:00.5")
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if v.Int <= 0 {
		t.Errorf("Int = %d, want positive nanos since epoch", v.Int)
	}
}

func TestDecodeTextUnsupportedOID(t *testing.T) {
	if _, err := DecodeText(9999, "x"); err == nil {
		t.Fatal("expected error for unsupported OID")
	}
}

func TestDecodeBinaryInt4(t *testing.T) {
	v, err := DecodeBinary(OIDInt4, []byte{0, 0, 0, 7})
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	if v.Int != 7 {
		t.Errorf("Int = %d, want 7", v.Int)
	}
}

func TestDecodeBinaryNegativeInt4(t *testing.T) {
	v, err := DecodeBinary(OIDInt4, []byte{0xff, 0xff, 0xff, 0xff})
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	if v.Int != -1 {
		t.Errorf("Int = %d, want -1", v.Int)
	}
}

func TestSupported(t *testing.T) {
	if !Supported(OIDInt4) || !Supported(OIDVarchar) || !Supported(OIDTimestamp) {
		t.Error("expected the primitive OIDs to be supported")
	}
	if Supported(9999) {
		t.Error("expected an unknown OID to be unsupported")
	}
}
