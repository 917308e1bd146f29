package mask

import "testing"

func TestPhone(t *testing.T) {
	cases := map[string]string{
		"+4912345689": "+4*******89",
		"1234":        "****",
		"":            "****",
	}
	for in, want := range cases {
		if got := Phone(in); got != want {
			t.Errorf("Phone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmail(t *testing.T) {
	cases := map[string]string{
		"patient@example.com": "p******@example.com",
		"a@x.com":             "a*@x.com",
		"no-at-sign":          "no******gn",
	}
	for in, want := range cases {
		if got := Email(in); got != want {
			t.Errorf("Email(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCode(t *testing.T) {
	cases := map[string]string{
		"123456":    "12****",
		"1234-5678": "12*******",
		"7":         "*",
	}
	for in, want := range cases {
		if got := Code(in); got != want {
			t.Errorf("Code(%q) = %q, want %q", in, got, want)
		}
	}
}
