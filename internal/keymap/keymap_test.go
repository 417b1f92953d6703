package keymap

import "testing"

func TestTranslateTableEntries(t *testing.T) {
	cases := map[string]string{
		"A":  "shift-a",
		"-":  "0x0C",
		"_":  "shift-0x0C",
		" ":  "spc",
		"\n": "ret",
		"(":  "shift-0x0A",
		")":  "shift-0x0B",
		"`":  "0x29",
		"~":  "shift-0x29",
	}
	for in, want := range cases {
		if got := Translate(in); got != want {
			t.Errorf("Translate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTranslatePassesThroughUnknown(t *testing.T) {
	for _, in := range []string{"ctrl-alt-f1", "z", "1", "ret", ""} {
		if got := Translate(in); got != in {
			t.Errorf("Translate(%q) = %q, want unchanged %q", in, got, in)
		}
	}
}

func TestTranslateTotality(t *testing.T) {
	// Every character in the table maps to its declared token, and nothing else.
	for ch, want := range charToKey {
		if got := Translate(ch); got != want {
			t.Errorf("Translate(%q) = %q, want %q", ch, got, want)
		}
	}
}
