package redact

import "testing"

func TestHashKey_TrimsAndHashes(t *testing.T) {
	a := HashKey("  s3kret  ")
	b := HashKey("s3kret")
	if a != b {
		t.Errorf("expected whitespace-insensitive hash, got %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64-char hex digest, got %d chars", len(a))
	}
}

func TestMasker_Redact(t *testing.T) {
	m := NewMasker([]string{"topsecret"})
	out := m.Redact("deploying with token=topsecret now")
	if out == "deploying with token=topsecret now" {
		t.Fatal("expected secret to be masked")
	}
	if want := HashKey("topsecret")[:8]; !contains(out, want) {
		t.Errorf("expected masked output to contain hash prefix %q, got %q", want, out)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
