// Package parser turns raw RFC 5322 message text into the pieces the
// engine stores: a materialized header list, the header date, and the
// body text.
package parser

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Header is one (key, value) header pair, in received order.
type Header struct {
	Key   string
	Value string
}

// ParsedMessage is the storable view of a raw message.
type ParsedMessage struct {
	Headers []Header
	// Date is the parsed Date: header, zero when absent or unparseable.
	Date    time.Time
	Subject string
	Body    string
	// Size is the byte length of the raw input.
	Size int64
}

// Parse splits raw into headers and body. Folded header lines
// (continuations starting with whitespace) are unfolded with a single
// space. Input may use CRLF or bare LF line endings.
func Parse(raw string) (*ParsedMessage, error) {
	msg := &ParsedMessage{Size: int64(len(raw))}

	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	headerPart, body, found := strings.Cut(normalized, "\n\n")
	if !found {
		// Headers only; an empty body is legal.
		headerPart = strings.TrimSuffix(normalized, "\n")
	}
	msg.Body = body

	var key, value string
	flush := func() {
		if key == "" {
			return
		}
		msg.Headers = append(msg.Headers, Header{Key: key, Value: value})
		switch strings.ToLower(key) {
		case "subject":
			msg.Subject = value
		case "date":
			if t, err := mail.ParseDate(value); err == nil {
				msg.Date = t
			}
		}
		key, value = "", ""
	}

	for _, line := range strings.Split(headerPart, "\n") {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Continuation of the previous header.
			if key == "" {
				return nil, fmt.Errorf("message starts with a continuation line")
			}
			value += " " + strings.TrimSpace(line)
			continue
		}
		flush()
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		key = strings.TrimSpace(k)
		value = strings.TrimSpace(v)
	}
	flush()

	return msg, nil
}
