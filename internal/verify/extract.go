package verify

import (
	"bytes"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"
)

// stoplist holds tokens the generic patterns keep matching inside HTML
// markup. Rejection is case-insensitive.
var stoplist = map[string]struct{}{
	"image":  {},
	"style":  {},
	"class":  {},
	"width":  {},
	"height": {},
	"color":  {},
}

// codePatterns is the fixed priority order for code extraction. M-Team codes
// are always 6 numeric digits, so the bare 6-digit pattern comes first and
// wins over anything a later pattern would find.
var codePatterns = []struct {
	Name string
	Re   *regexp.Regexp
}{
	{"six-digit", regexp.MustCompile(`\b(\d{6})\b`)},
	{"numeric", regexp.MustCompile(`\b(\d{4,8})\b`)},
	{"labeled-zh", regexp.MustCompile(`(?i)验证码[：:\s]*(\d{4,8})`)},
	{"labeled-zh-trad", regexp.MustCompile(`(?i)驗證碼[：:\s]*(\d{4,8})`)},
	{"labeled-en", regexp.MustCompile(`(?i)verification code[：:\s]*(\d{4,8})`)},
	{"labeled-short", regexp.MustCompile(`(?i)code[：:\s]*(\d{4,8})`)},
	{"labeled-zh-alnum", regexp.MustCompile(`(?i)验证码[：:\s]*([A-Za-z0-9]{4,8})`)},
	{"labeled-en-alnum", regexp.MustCompile(`(?i)verification code[：:\s]*([A-Za-z0-9]{4,8})`)},
	{"bare-token", regexp.MustCompile(`(?m)(?:^|\s)([A-Z0-9]{6})(?:\s|$)`)},
}

// Extractor pulls a plausible verification code out of a raw mail message.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Body decodes a raw RFC 822 message and returns its textual content.
// A plain-text part is preferred; an HTML part is stripped to text as a
// fallback. Attachments are skipped. Returns "" when no textual part exists.
func (e *Extractor) Body(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		e.logger.Debug("message not MIME-parseable", "error", err)
		return ""
	}

	var plain, html strings.Builder
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			e.logger.Debug("failed to read message part", "error", err)
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(ct, "text/plain"):
				plain.Write(body)
			case strings.HasPrefix(ct, "text/html"):
				html.Write(body)
			}
		case *mail.AttachmentHeader:
			// attachments never carry the code
		}
	}

	if plain.Len() > 0 {
		return plain.String()
	}
	if html.Len() > 0 {
		return stripHTML(html.String())
	}
	return ""
}

// Code applies the pattern table to text and returns the first accepted
// match. The second return is false when no candidate survives validation;
// that is an expected outcome for most messages, not an error.
func (e *Extractor) Code(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	for _, p := range codePatterns {
		for _, m := range p.Re.FindAllStringSubmatch(text, -1) {
			code := strings.TrimSpace(m[1])
			if !validCode(code) {
				continue
			}
			e.logger.Debug("code matched", "pattern", p.Name)
			return code, true
		}
	}
	return "", false
}

func validCode(code string) bool {
	if len(code) < 4 || len(code) > 8 {
		return false
	}
	_, stopped := stoplist[strings.ToLower(code)]
	return !stopped
}
