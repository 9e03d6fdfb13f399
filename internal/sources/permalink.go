package sources

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"
)

const permalinkPrefix = "https://weread.qq.com/web/reader/"

var numericID = regexp.MustCompile(`^\d*$`)

// PermalinkURL derives the WeRead web reader URL of a book from its id
// without calling the API.
func PermalinkURL(bookID string) string {
	sum := md5Hex(bookID)

	tag, chunks := encodeBookID(bookID)

	var b strings.Builder
	b.WriteString(sum[:3])
	b.WriteString(tag)
	b.WriteString("2")
	b.WriteString(sum[len(sum)-2:])

	for i, chunk := range chunks {
		n := strconv.FormatInt(int64(len(chunk)), 16)
		if len(n) == 1 {
			n = "0" + n
		}
		b.WriteString(n)
		b.WriteString(chunk)
		if i < len(chunks)-1 {
			b.WriteString("g")
		}
	}

	result := b.String()
	if len(result) < 20 {
		result += sum[:20-len(result)]
	}
	result += md5Hex(result)[:3]
	return permalinkPrefix + result
}

// encodeBookID hex-encodes numeric ids in 9-digit groups (tag "3") and any
// other id one UTF-16 code unit at a time (tag "4").
func encodeBookID(id string) (string, []string) {
	if numericID.MatchString(id) {
		var chunks []string
		for i := 0; i < len(id); i += 9 {
			end := min(i+9, len(id))
			n, _ := strconv.ParseInt(id[i:end], 10, 64)
			chunks = append(chunks, strconv.FormatInt(n, 16))
		}
		return "3", chunks
	}

	var b strings.Builder
	for _, unit := range utf16.Encode([]rune(id)) {
		b.WriteString(strconv.FormatInt(int64(unit), 16))
	}
	return "4", []string{b.String()}
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
