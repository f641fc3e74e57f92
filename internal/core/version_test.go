package core

import "testing"

func TestFormatVersion(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"v1.12.0", "1.12.0"},
		{"devel-ad721b3", "devel-ad721b3"},
		{"devel-ad721b3-dirty", "devel-ad721b3-dirty"},
		{"devel", "devel"},
	}
	for _, c := range cases {
		if got := FormatVersion(c.in); got != c.want {
			t.Errorf("FormatVersion(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestIsPseudoVersion(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"v0.0.0-20260217105831-82903d1d8810", true},
		{"v1.12.1-0.20260217105831-82903d1d8810", true},
		{"v1.12.0", false},
		{"devel", false},
		{"v1.0.0-rc1", false},
	}
	for _, c := range cases {
		if got := isPseudoVersion(c.in); got != c.want {
			t.Errorf("isPseudoVersion(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestVersionPopulated(t *testing.T) {
	if Version == "" {
		t.Error("Version must never be empty")
	}
}
