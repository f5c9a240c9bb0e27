package store

import (
	"io"
	"log/slog"
	"testing"
)

func testKVs(t *testing.T) map[string]KV {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := OpenPebble(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	return map[string]KV{
		"memory": NewMemory(),
		"pebble": p,
	}
}

func TestKVRoundTrip(t *testing.T) {
	for name, kv := range testKVs(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := kv.Get([]byte("absent")); err != nil || ok {
				t.Fatalf("get absent: ok=%v err=%v", ok, err)
			}

			if err := kv.Set([]byte("k"), []byte("v")); err != nil {
				t.Fatalf("set: %v", err)
			}
			val, ok, err := kv.Get([]byte("k"))
			if err != nil || !ok || string(val) != "v" {
				t.Fatalf("get: val=%q ok=%v err=%v", val, ok, err)
			}

			if err := kv.Delete([]byte("k")); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok, _ := kv.Get([]byte("k")); ok {
				t.Fatal("key present after delete")
			}
		})
	}
}

func TestKVScanPrefixOrdered(t *testing.T) {
	for name, kv := range testKVs(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"p:3", "p:1", "q:1", "p:2"} {
				if err := kv.Set([]byte(k), []byte("x")); err != nil {
					t.Fatalf("set %s: %v", k, err)
				}
			}

			var got []string
			err := kv.Scan([]byte("p:"), func(key, _ []byte) (bool, error) {
				got = append(got, string(key))
				return true, nil
			})
			if err != nil {
				t.Fatalf("scan: %v", err)
			}

			want := []string{"p:1", "p:2", "p:3"}
			if len(got) != len(want) {
				t.Fatalf("got %v, want %v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("got %v, want %v", got, want)
				}
			}
		})
	}
}

func TestKVScanEarlyStop(t *testing.T) {
	kv := NewMemory()
	for _, k := range []string{"p:1", "p:2", "p:3"} {
		kv.Set([]byte(k), []byte("x"))
	}

	var seen int
	err := kv.Scan([]byte("p:"), func(_, _ []byte) (bool, error) {
		seen++
		return seen < 2, nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if seen != 2 {
		t.Errorf("seen = %d, want 2", seen)
	}
}
