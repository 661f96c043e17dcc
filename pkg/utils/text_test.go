package utils

import "testing"

func TestTruncate(t *testing.T) {
	tests := []struct {
		s      string
		maxLen int
		want   string
	}{
		{"hello", 10, "hello"},
		{"hello world", 5, "hello..."},
		{"x", 0, "x"},
		{"", 3, ""},
		{"abc", 3, "abc"},
		{"Áo dài truyền thống", 6, "Áo dài..."},
		{"ワンピース", 2, "ワン..."},
	}
	for _, tt := range tests {
		if got := Truncate(tt.s, tt.maxLen); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.s, tt.maxLen, got, tt.want)
		}
	}
}
