package packet

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// Charset converts strings between UTF-8 and the session's wire encoding.
// A nil *Charset, or one built for UTF-8, passes bytes through unchanged.
type Charset struct {
	name string
	enc  encoding.Encoding
}

// LookupCharset resolves an IANA charset name ("utf-8", "big5",
// "shift_jis", ...).
func LookupCharset(name string) (*Charset, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" || n == "utf-8" || n == "utf8" {
		return &Charset{name: "utf-8"}, nil
	}
	enc, err := ianaindex.IANA.Encoding(n)
	if err != nil {
		return nil, fmt.Errorf("charset %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("charset %q: unsupported", name)
	}
	return &Charset{name: n, enc: enc}, nil
}

func (c *Charset) Name() string {
	if c == nil {
		return "utf-8"
	}
	return c.name
}

func (c *Charset) encode(s string) []byte {
	if c == nil || c.enc == nil || isASCII(s) {
		return []byte(s)
	}
	b, err := c.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return []byte(s) // fallback to raw bytes
	}
	return b
}

func (c *Charset) decode(raw []byte) string {
	if c == nil || c.enc == nil || isASCII(string(raw)) {
		return string(raw)
	}
	b, err := c.enc.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(b)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
