package cache

import "testing"

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("GET", "inventory-service", "/v1/items/42", nil)
	b := Fingerprint("GET", "inventory-service", "/v1/items/42", nil)
	if a != b {
		t.Errorf("Fingerprint should be deterministic: %v != %v", a, b)
	}
}

func TestFingerprintDistinguishesInputs(t *testing.T) {
	base := Fingerprint("GET", "inventory-service", "/v1/items/42", nil)

	cases := map[string]string{
		"method":  Fingerprint("POST", "inventory-service", "/v1/items/42", nil),
		"service": Fingerprint("GET", "pricing-service", "/v1/items/42", nil),
		"path":    Fingerprint("GET", "inventory-service", "/v1/items/43", nil),
		"body":    Fingerprint("GET", "inventory-service", "/v1/items/42", []byte(`{"a":1}`)),
	}
	for name, got := range cases {
		if got == base {
			t.Errorf("%s should change the fingerprint", name)
		}
	}
}

func TestFingerprintHasRoutePrefix(t *testing.T) {
	got := Fingerprint("GET", "svc", "/p", nil)
	if len(got) < len("route:") || got[:6] != "route:" {
		t.Errorf("Fingerprint() = %v, want route: prefix", got)
	}
}

func TestQuickHashLength(t *testing.T) {
	hash := QuickHash([]byte("test data"))
	if len(hash) != 64 {
		t.Errorf("QuickHash length = %d, want 64", len(hash))
	}
	if QuickHash([]byte("test data")) != hash {
		t.Error("same data should produce same hash")
	}
}

func TestShortHashLength(t *testing.T) {
	hash := ShortHash([]byte("test data"))
	if len(hash) != 16 {
		t.Errorf("ShortHash length = %d, want 16", len(hash))
	}
}
