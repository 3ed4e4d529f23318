package discord

import (
	"strings"
	"testing"
)

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		maxLen int
		want   []string
	}{
		{
			name:   "short text untouched",
			text:   "hello",
			maxLen: 10,
			want:   []string{"hello"},
		},
		{
			name:   "splits on newline boundary",
			text:   "first line\nsecond line",
			maxLen: 15,
			want:   []string{"first line\n", "second line"},
		},
		{
			name:   "hard split without newlines",
			text:   strings.Repeat("a", 25),
			maxLen: 10,
			want:   []string{strings.Repeat("a", 10), strings.Repeat("a", 10), strings.Repeat("a", 5)},
		},
		{
			name:   "ignores early newline",
			text:   "ab\n" + strings.Repeat("c", 17),
			maxLen: 10,
			want:   []string{"ab\nccccccc", "cccccccccc"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitMessage(tt.text, tt.maxLen)
			if len(got) != len(tt.want) {
				t.Fatalf("splitMessage() = %d chunks %q, want %d %q", len(got), got, len(tt.want), tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk[%d] = %q, want %q", i, got[i], tt.want[i])
				}
				if len(got[i]) > tt.maxLen {
					t.Errorf("chunk[%d] is %d chars, over the %d limit", i, len(got[i]), tt.maxLen)
				}
			}
			if strings.Join(got, "") != tt.text {
				t.Errorf("chunks do not reassemble the original text")
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		list []string
		id   string
		want bool
	}{
		{"empty list allows all", nil, "123", true},
		{"listed id allowed", []string{"123", "456"}, "456", true},
		{"unlisted id rejected", []string{"123"}, "789", false},
		{"empty id allowed", []string{"123"}, "", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := allowed(tt.list, tt.id); got != tt.want {
				t.Errorf("allowed(%v, %q) = %v, want %v", tt.list, tt.id, got, tt.want)
			}
		})
	}
}
