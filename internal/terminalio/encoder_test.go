package terminalio

import (
	"bytes"
	"testing"
)

func TestLatin1EncodesAccentedText(t *testing.T) {
	e := NewOutboundEncoder()

	out := e.Encode([]byte("café"))

	want := []byte{'c', 'a', 'f', 0xE9}
	if !bytes.Equal(out, want) {
		t.Errorf("expected %v, got %v", want, out)
	}
}

func TestLatin1ReplacesUnmappableRunes(t *testing.T) {
	e := NewOutboundEncoder()

	out := e.Encode([]byte("go → mud"))

	// The arrow has no Latin-1 mapping; it must be replaced, not dropped.
	if len(out) != len("go ? mud") {
		t.Errorf("unmappable rune dropped instead of replaced: %q", out)
	}
	if bytes.ContainsRune(out, '→') {
		t.Errorf("raw UTF-8 leaked into Latin-1 output: %q", out)
	}
}

func TestUTF8ModePassesThrough(t *testing.T) {
	e := NewOutboundEncoder()
	e.SetUTF8(true)

	in := []byte("göäü → mud")
	out := e.Encode(in)

	if !bytes.Equal(out, in) {
		t.Errorf("utf-8 mode altered bytes: %q", out)
	}
	if !e.UTF8() {
		t.Error("expected UTF8() true")
	}
}

func TestModeSwitchesBothWays(t *testing.T) {
	e := NewOutboundEncoder()
	e.SetUTF8(true)
	e.SetUTF8(false)

	out := e.Encode([]byte("é"))
	if !bytes.Equal(out, []byte{0xE9}) {
		t.Errorf("expected Latin-1 after switching back, got %v", out)
	}
}
