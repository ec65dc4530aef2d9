package credentials

import (
	"errors"
	"strings"
	"testing"
)

func TestSealOpen(t *testing.T) {
	s, err := NewSealer("master")
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := s.Seal("123456:bot-token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "bot-token") {
		t.Fatalf("value not sealed: %q", sealed)
	}

	again, err := s.Seal(sealed)
	if err != nil || again != sealed {
		t.Errorf("sealing a sealed value must be a no-op")
	}

	plain, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain != "123456:bot-token" {
		t.Errorf("Open = %q", plain)
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	a, _ := NewSealer("one")
	b, _ := NewSealer("two")

	sealed, err := a.Seal("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(sealed); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("err = %v, want ErrCorrupted", err)
	}
}

func TestNilSealerPassesPlaintext(t *testing.T) {
	s, err := NewSealer("")
	if err != nil || s != nil {
		t.Fatalf("NewSealer(\"\") = %v, %v", s, err)
	}
	v, err := s.Seal("plain")
	if err != nil || v != "plain" {
		t.Fatalf("Seal = %q, %v", v, err)
	}
	v, err = s.Open("plain")
	if err != nil || v != "plain" {
		t.Fatalf("Open = %q, %v", v, err)
	}
	if _, err := s.Open(sealedPrefix + "AAAA"); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("sealed value without key: err = %v", err)
	}
}

func TestSealForeignPrefixedValue(t *testing.T) {
	s, err := NewSealer("master")
	if err != nil {
		t.Fatal(err)
	}

	foreign := sealedPrefix + "not-ours"
	sealed, err := s.Seal(foreign)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == foreign {
		t.Fatal("foreign prefixed value stored unsealed")
	}
	plain, err := s.Open(sealed)
	if err != nil || plain != foreign {
		t.Fatalf("Open = %q, %v", plain, err)
	}

	var none *Sealer
	if _, err := none.Seal(foreign); !errors.Is(err, ErrReservedPrefix) {
		t.Fatalf("nil sealer err = %v, want ErrReservedPrefix", err)
	}
}
