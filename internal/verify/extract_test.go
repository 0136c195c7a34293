package verify

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCodePriority(t *testing.T) {
	e := NewExtractor(testLogger())

	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "six digit wins over shorter noise",
			text: "ref 4821 token abc123 your code is 739201 thanks",
			want: "739201",
		},
		{
			name: "chinese label round trip",
			text: "您的驗證碼是 482913，请尽快使用",
			want: "482913",
		},
		{
			name: "simplified chinese label",
			text: "验证码：558230",
			want: "558230",
		},
		{
			name: "english label with four digits",
			text: "Your verification code: 8472",
			want: "8472",
		},
		{
			name: "labeled alphanumeric fallback",
			text: "code: AB12CD",
			want: "AB12CD",
		},
		{
			name: "six digit beats labeled shorter match",
			text: "verification code: 1234 backup 987654",
			want: "987654",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ok := e.Code(tt.text)
			require.True(t, ok)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestCodeRejections(t *testing.T) {
	e := NewExtractor(testLogger())

	tests := []struct {
		name string
		text string
	}{
		{"stoplist markup tokens", "width=100 style=200"},
		{"empty text", ""},
		{"too short", "id 123"},
		{"nine digit run", "order 123456789x"},
		{"prose without codes", "thank you for signing in to our site"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ok := e.Code(tt.text)
			assert.False(t, ok)
			assert.Empty(t, code)
		})
	}
}

func TestCodeIdempotent(t *testing.T) {
	e := NewExtractor(testLogger())
	text := "您的驗證碼是 482913，请尽快使用"

	first, ok1 := e.Code(text)
	second, ok2 := e.Code(text)

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, first, second)
}

func TestBodyPrefersPlainText(t *testing.T) {
	e := NewExtractor(testLogger())

	raw := "From: web@m-team.cc\r\n" +
		"To: user@example.com\r\n" +
		"Subject: verification\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
		"\r\n" +
		"--b1\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"your code is 739201\r\n" +
		"--b1\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><body><div>html copy 111111</div></body></html>\r\n" +
		"--b1--\r\n"

	body := e.Body([]byte(raw))
	assert.Contains(t, body, "739201")
	assert.NotContains(t, body, "111111")
}

func TestBodyFallsBackToStrippedHTML(t *testing.T) {
	e := NewExtractor(testLogger())

	raw := "From: web@m-team.cc\r\n" +
		"Subject: verification\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><head><style>.x{width:100px}</style></head>" +
		"<body><p>您的驗證碼是</p><div>482913</div><script>var a=999999;</script></body></html>\r\n"

	body := e.Body([]byte(raw))
	assert.Contains(t, body, "482913")
	assert.NotContains(t, body, "999999", "script content must be stripped")
	assert.NotContains(t, body, "width:100px", "style content must be stripped")

	code, ok := e.Code(body)
	require.True(t, ok)
	assert.Equal(t, "482913", code)
}

func TestBodySkipsAttachments(t *testing.T) {
	e := NewExtractor(testLogger())

	raw := "From: web@m-team.cc\r\n" +
		"Subject: verification\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"b2\"\r\n" +
		"\r\n" +
		"--b2\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"code: 847210\r\n" +
		"--b2\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Disposition: attachment; filename=\"data.bin\"\r\n" +
		"\r\n" +
		"555555\r\n" +
		"--b2--\r\n"

	body := e.Body([]byte(raw))
	assert.Contains(t, body, "847210")
	assert.NotContains(t, body, "555555")
}

func TestBodyGarbageInput(t *testing.T) {
	e := NewExtractor(testLogger())
	assert.Empty(t, e.Body([]byte("\x00\x01\x02")))
}

func TestStripHTMLBlocks(t *testing.T) {
	text := stripHTML("<div>line one</div><div>line two</div>")
	assert.Equal(t, "line one\nline two", text)
}

func TestCodeOnManyMessagesStaysStable(t *testing.T) {
	e := NewExtractor(testLogger())
	for i := 0; i < 50; i++ {
		text := fmt.Sprintf("bulk mail %d with code 604213 inside", i)
		code, ok := e.Code(text)
		require.True(t, ok)
		assert.Equal(t, "604213", code)
	}
}
