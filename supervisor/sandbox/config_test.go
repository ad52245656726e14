package sandbox

import (
	"reflect"
	"strings"
	"testing"
)

func TestInitConfigRoundTrip(t *testing.T) {
	in := &InitConfig{
		Command:     []string{"/app/server", "--port", "8080"},
		Environment: []string{"PATH=/bin", "HOME=/var"},
		MountProc:   true,
		Devmode:     true,
		IPTables:    true,
	}
	entry, err := in.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(entry, ConfigEnv+"=") {
		t.Fatalf("bad env entry %q", entry)
	}
	out, err := DecodeInitConfig(strings.TrimPrefix(entry, ConfigEnv+"="))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
}

func TestDecodeInitConfigRejectsGarbage(t *testing.T) {
	if _, err := DecodeInitConfig("not base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := DecodeInitConfig("aGVsbG8="); err == nil {
		t.Error("expected error for non-CBOR payload")
	}
}
