package mcpserver

import "testing"

func TestResolveControlCode_NamedCode(t *testing.T) {
	got, err := resolveControlCode("Enter")
	if err != nil {
		t.Fatalf("resolveControlCode failed: %v", err)
	}
	if got != "\n" {
		t.Fatalf("expected newline, got %q", got)
	}
}

func TestResolveControlCode_Alias(t *testing.T) {
	got, err := resolveControlCode("Interrupt")
	if err != nil {
		t.Fatalf("resolveControlCode failed: %v", err)
	}
	if got != "\x03" {
		t.Fatalf("expected Ctrl+C byte for Interrupt alias, got %q", got)
	}
}

func TestResolveControlCode_EOFAliasMatchesCtrlD(t *testing.T) {
	got, err := resolveControlCode("EOF")
	if err != nil {
		t.Fatalf("resolveControlCode failed: %v", err)
	}
	if got != "\x04" {
		t.Fatalf("expected Ctrl+D byte for EOF alias, got %q", got)
	}
}

func TestResolveControlCode_RawShortStringPassesThrough(t *testing.T) {
	got, err := resolveControlCode("\x1bZ")
	if err != nil {
		t.Fatalf("expected a short raw string to pass through, got error: %v", err)
	}
	if got != "\x1bZ" {
		t.Fatalf("expected raw passthrough, got %q", got)
	}
}

func TestResolveControlCode_FullAlphaRangeIsCovered(t *testing.T) {
	cases := map[string]string{
		"Ctrl+I": "\x09",
		"Ctrl+J": "\x0a",
		"Ctrl+M": "\x0d",
	}
	for name, want := range cases {
		got, err := resolveControlCode(name)
		if err != nil {
			t.Fatalf("resolveControlCode(%q) failed: %v", name, err)
		}
		if got != want {
			t.Fatalf("resolveControlCode(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestResolveControlCode_RejectsUnknownLongString(t *testing.T) {
	if _, err := resolveControlCode("this-is-too-long-to-be-raw"); err == nil {
		t.Fatalf("expected an unknown, overly long code to be rejected")
	}
}
