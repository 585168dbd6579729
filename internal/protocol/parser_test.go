package protocol

import (
	"errors"
	"testing"
)

func TestParse_Assignment(t *testing.T) {
	cases := []struct {
		line  string
		ident string
		want  Value
	}{
		{"foo=32", "foo", IntValue(32)},
		{"bar=53.6", "bar", DoubleValue(53.6)},
		{"qux_123=0.432", "qux_123", DoubleValue(0.432)},
		{"fr=10.0", "fr", DoubleValue(10.0)},
		{"e=1e3", "e", DoubleValue(1000)},
		{"big=4294967296", "big", DoubleValue(4294967296)}, // exceeds int32
		{"neg=-5", "neg", IntValue(-5)},
		{"array_like[1]=hello", "array_like[1]", StringValue("hello")},
		{"nested[1][2]=0", "nested[1][2]", IntValue(0)},
		{"single_quote='single quote'", "single_quote", StringValue("single quote")},
		{`double_quote="double quote"`, "double_quote", StringValue("double quote")},
		{"braces={string value}", "braces", StringValue("string value")},
		{"raw=plain text", "raw", StringValue("plain text")},
		{"  padded=7 ", "padded", IntValue(7)}, // outer whitespace trimmed
		{"bypass it=5000", "it", IntValue(5000)},
	}
	for _, tc := range cases {
		msg, err := Parse(tc.line)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.line, err)
		}
		a, ok := msg.(Assignment)
		if !ok {
			t.Fatalf("Parse(%q) = %T, want Assignment", tc.line, msg)
		}
		if a.Identifier != tc.ident {
			t.Errorf("Parse(%q) identifier = %q, want %q", tc.line, a.Identifier, tc.ident)
		}
		if a.Value != tc.want {
			t.Errorf("Parse(%q) value = %+v, want %+v", tc.line, a.Value, tc.want)
		}
	}
}

func TestParse_InquiryAndCommand(t *testing.T) {
	msg, err := Parse("fr?")
	if err != nil {
		t.Fatalf("Parse inquiry: %v", err)
	}
	if q, ok := msg.(Inquiry); !ok || q.Identifier != "fr" {
		t.Fatalf("Parse(fr?) = %#v", msg)
	}

	msg, err = Parse("gis")
	if err != nil {
		t.Fatalf("Parse command: %v", err)
	}
	if c, ok := msg.(Command); !ok || c.Identifier != "gis" {
		t.Fatalf("Parse(gis) = %#v", msg)
	}

	msg, err = Parse("a[0][1]?")
	if err != nil {
		t.Fatalf("Parse indexed inquiry: %v", err)
	}
	if q, ok := msg.(Inquiry); !ok || q.Identifier != "a[0][1]" {
		t.Fatalf("Parse(a[0][1]?) = %#v", msg)
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, line := range []string{
		"",
		"42=foo",       // identifier must start with a letter
		"=5",           // empty identifier
		"foo=",         // assignment needs a value
		"has space=1 ?",
		"?",
		"_underscore=1", // leading underscore not allowed
		"foo bar",
	} {
		msg, err := Parse(line)
		if err == nil {
			t.Errorf("Parse(%q) = %#v, want rejection", line, msg)
			continue
		}
		if !errors.Is(err, ErrNoMatch) {
			t.Errorf("Parse(%q) error = %v, want ErrNoMatch", line, err)
		}
	}
}

func TestParse_SerializeRoundTrip(t *testing.T) {
	for _, line := range []string{"it=5000", "fr=2.5", "name={darkroom}", "huge=8589934592"} {
		msg, err := Parse(line)
		if err != nil {
			t.Fatalf("Parse(%q): %v", line, err)
		}
		a := msg.(Assignment)
		wire, err := Serialize(SuccessFrom(a))
		if err != nil {
			t.Fatalf("Serialize(%q): %v", line, err)
		}
		if wire.Header[len(wire.Header)-1] != '\n' {
			t.Fatalf("header %q does not end with newline", wire.Header)
		}
		back, err := Parse(wire.Header[:len(wire.Header)-1])
		if err != nil {
			t.Fatalf("re-Parse(%q): %v", wire.Header, err)
		}
		b, ok := back.(Assignment)
		if !ok {
			t.Fatalf("re-Parse(%q) = %T, want Assignment", wire.Header, back)
		}
		if b.Identifier != a.Identifier || b.Value != a.Value {
			t.Fatalf("round trip %q -> %q: got %+v, want %+v", line, wire.Header, b, a)
		}
	}
}

func FuzzParse(f *testing.F) {
	for _, seed := range []string{
		"foo=32", "bar?", "gis", "bypass it=5000", "x={y}", "a[0][1]=2", "42=foo", "=",
	} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, line string) {
		msg, err := Parse(line)
		if (msg == nil) == (err == nil) {
			t.Fatalf("Parse(%q) returned msg=%v err=%v", line, msg, err)
		}
	})
}
