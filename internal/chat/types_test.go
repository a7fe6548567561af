package chat

import "testing"

func TestCompareIDs(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"100", "100", 0},
		{"101", "100", 1},
		{"100", "101", -1},
		// 桁数が多い方が数値として大きい
		{"99", "100", -1},
		{"1000", "999", 1},
		{"175928847299117063", "175928847299117064", -1},
	}
	for _, tt := range tests {
		got := CompareIDs(tt.a, tt.b)
		switch {
		case tt.want == 0 && got != 0:
			t.Errorf("CompareIDs(%q, %q) = %d, want 0", tt.a, tt.b, got)
		case tt.want < 0 && got >= 0:
			t.Errorf("CompareIDs(%q, %q) = %d, want 負", tt.a, tt.b, got)
		case tt.want > 0 && got <= 0:
			t.Errorf("CompareIDs(%q, %q) = %d, want 正", tt.a, tt.b, got)
		}
	}
}

func TestIDNewer(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"101", "100", true},
		{"100", "101", false},
		{"100", "100", false},
		// カーソル未設定（b空）は常に新しい扱い
		{"100", "", true},
		{"", "", false},
		{"", "100", false},
	}
	for _, tt := range tests {
		if got := IDNewer(tt.a, tt.b); got != tt.want {
			t.Errorf("IDNewer(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
