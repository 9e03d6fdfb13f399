package sources

import (
	"strings"
	"testing"
)

func TestPermalinkURL(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"695233", "ce032b305a9bc1ce0b0dd2a"},
		{"3300064831", "b9632410813ab7fd3g011e5f"},
		{"123456789012345678", "9ef32160775bcd15g06bc614e136"},
		{"CB_3qW9AJ6d4Bz6a6gDBz", "52c42572a43425f33715739414a366434427a3661366744427a9d4"},
		{"test_book_id", "cdd42ec18746573745f626f6f6b5f6964da1"},
		{"book1", "65d42c10a626f6f6b316325"},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got := PermalinkURL(tt.id)
			if got != permalinkPrefix+tt.want {
				t.Errorf("PermalinkURL(%q) = %q, want %q", tt.id, got, permalinkPrefix+tt.want)
			}
			if again := PermalinkURL(tt.id); again != got {
				t.Errorf("PermalinkURL(%q) is not deterministic: %q then %q", tt.id, got, again)
			}
		})
	}
}

func TestEncodeBookIDChunking(t *testing.T) {
	tests := []struct {
		id     string
		tag    string
		chunks []string
	}{
		{"695233", "3", []string{"a9bc1"}},
		{"123456789012345678", "3", []string{"75bcd15", "bc614e"}},
		{"1234567890", "3", []string{"75bcd15", "0"}},
		{"ab", "4", []string{"6162"}},
		{"书", "4", []string{"4e66"}},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			tag, chunks := encodeBookID(tt.id)
			if tag != tt.tag {
				t.Fatalf("expected tag %s, got %s", tt.tag, tag)
			}
			if strings.Join(chunks, ",") != strings.Join(tt.chunks, ",") {
				t.Fatalf("expected chunks %v, got %v", tt.chunks, chunks)
			}
		})
	}
}

func TestPermalinkEighteenDigitIDHasTwoChunks(t *testing.T) {
	url := PermalinkURL("123456789012345678")
	body := strings.TrimPrefix(url, permalinkPrefix)
	if n := strings.Count(body, "g"); n != 1 {
		t.Fatalf("expected exactly one chunk separator, got %d in %s", n, body)
	}
}
