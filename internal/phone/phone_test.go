package phone

import "testing"

func TestNormalizeE164(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"(555) 123-4567", "+15551234567"},
		{"555.123.4567", "+15551234567"},
		{"+1 555 123 4567", "+15551234567"},
		{"15551234567", "+15551234567"},
		{"+447911123456", "+447911123456"},
		{"  5551234567  ", "+15551234567"},
		{"", ""},
		{"---", ""},
	}
	for _, tc := range cases {
		if got := NormalizeE164(tc.in); got != tc.want {
			t.Errorf("NormalizeE164(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
