package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/language"
)

// Reader ids accepted by the metered endpoint and the voice tier each maps to.
var readerVoiceTiers = map[string]string{
	"claro":     "standard",
	"natural":   "neural2",
	"expresivo": "wavenet",
}

var validSpeeds = []float64{0.75, 1, 1.25, 1.5, 2}

var (
	markOpenRe  = regexp.MustCompile(`(?i)<mark\b[^>]*/?>`)
	markCloseRe = regexp.MustCompile(`(?i)</mark>`)
)

// TTSPayload is the body of a metered synthesis request.
type TTSPayload struct {
	Text     string  `json:"text"`
	Locale   string  `json:"locale"`
	ReaderID string  `json:"readerId"`
	Speed    float64 `json:"speed"`
	Format   string  `json:"format,omitempty"`
}

// Normalize validates p and returns a copy with trimmed text. A missing text
// is ErrInvalidPayload; text that is blank after trimming is ErrEmptyText.
func (p TTSPayload) Normalize() (TTSPayload, error) {
	if p.Text == "" {
		return p, &PayloadError{Message: "text is required"}
	}
	if strings.TrimSpace(p.Locale) == "" {
		return p, &PayloadError{Message: "locale is required"}
	}
	if _, err := language.Parse(p.Locale); err != nil {
		return p, &PayloadError{Message: "locale is not a valid language tag"}
	}
	if _, ok := readerVoiceTiers[p.ReaderID]; !ok {
		return p, &PayloadError{Message: "unknown readerId"}
	}
	if !validSpeed(p.Speed) {
		return p, &PayloadError{Message: "unsupported speed"}
	}
	if p.Format != "" && p.Format != "mp3" {
		return p, &PayloadError{Message: "format must be mp3"}
	}
	p.Text = strings.TrimSpace(p.Text)
	if p.Text == "" {
		return p, ErrEmptyText
	}
	return p, nil
}

func validSpeed(v float64) bool {
	for _, s := range validSpeeds {
		if v == s {
			return true
		}
	}
	return false
}

// VoiceTier returns the voice tier of readerID, or "" if unknown.
func VoiceTier(readerID string) string { return readerVoiceTiers[readerID] }

// CountBillableChars strips speech <mark> tags and counts the remaining text
// in UTF-16 code units, so characters outside the BMP count twice.
func CountBillableChars(text string) int64 {
	if text == "" {
		return 0
	}
	stripped := markCloseRe.ReplaceAllString(markOpenRe.ReplaceAllString(text, ""), "")
	var n int64
	for _, r := range stripped {
		if l := utf16.RuneLen(r); l > 0 {
			n += int64(l)
		} else {
			n++
		}
	}
	return n
}

// RequestHash fingerprints the parts of p that determine the audio. Format
// is excluded since only mp3 is produced.
func RequestHash(p TTSPayload) string {
	body := struct {
		Locale   string  `json:"locale"`
		ReaderID string  `json:"readerId"`
		Speed    float64 `json:"speed"`
		Text     string  `json:"text"`
	}{p.Locale, p.ReaderID, p.Speed, p.Text}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(body)
	sum := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(sum[:])
}

// QuotaExceeded reports whether incoming chars would take current over a
// positive monthly limit. A nil or non-positive limit means unlimited.
func QuotaExceeded(current, incoming int64, limit *int64) bool {
	if limit == nil || *limit <= 0 {
		return false
	}
	return current+incoming > *limit
}
