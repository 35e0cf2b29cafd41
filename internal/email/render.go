package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"sort"
	"strings"
)

// managedHeaders are written by Render itself and skipped when copying
// RawHeaders.
var managedHeaders = map[string]bool{
	"From":                      true,
	"To":                        true,
	"Cc":                        true,
	"Bcc":                       true,
	"Reply-To":                  true,
	"Subject":                   true,
	"Message-Id":                true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
}

// part is a rendered MIME entity.
type part struct {
	header textproto.MIMEHeader
	body   []byte
}

// Render serializes e into an RFC 5322 message. Bcc recipients are never
// written to the headers.
func Render(e *Email) ([]byte, error) {
	var buf bytes.Buffer

	from := Address{Name: e.FromName, Email: e.From}
	if e.FromName == "" {
		from = ParseAddress(e.From)
	}
	writeHeader(&buf, "From", from.String())
	writeHeader(&buf, "To", strings.Join(e.To, ", "))
	writeHeader(&buf, "Cc", strings.Join(e.Cc, ", "))
	writeHeader(&buf, "Reply-To", e.ReplyTo)
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("UTF-8", e.Subject))
	writeHeader(&buf, "Message-ID", e.MessageID)

	keys := make([]string, 0, len(e.RawHeaders))
	for key := range e.RawHeaders {
		if managedHeaders[textproto.CanonicalMIMEHeaderKey(key)] {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, value := range e.RawHeaders[key] {
			writeHeader(&buf, key, value)
		}
	}

	buf.WriteString("MIME-Version: 1.0\r\n")

	body, err := renderBody(e)
	if err != nil {
		return nil, err
	}
	if len(e.Attachments) > 0 {
		body, err = renderMixed(body, e.Attachments)
		if err != nil {
			return nil, err
		}
	}

	writePartHeader(&buf, body.header)
	buf.WriteString("\r\n")
	buf.Write(body.body)
	return buf.Bytes(), nil
}

// renderBody builds the text part, the html part, or a multipart/alternative
// holding both.
func renderBody(e *Email) (part, error) {
	switch {
	case e.TextBody != "" && e.HtmlBody != "":
		var b bytes.Buffer
		w := multipart.NewWriter(&b)
		for _, p := range []part{textPart("text/plain", e.TextBody), textPart("text/html", e.HtmlBody)} {
			pw, err := w.CreatePart(p.header)
			if err != nil {
				return part{}, fmt.Errorf("failed to create alternative part: %w", err)
			}
			if _, err := pw.Write(p.body); err != nil {
				return part{}, fmt.Errorf("failed to write alternative part: %w", err)
			}
		}
		if err := w.Close(); err != nil {
			return part{}, fmt.Errorf("failed to close alternative writer: %w", err)
		}
		header := make(textproto.MIMEHeader)
		header.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", w.Boundary()))
		return part{header: header, body: b.Bytes()}, nil
	case e.HtmlBody != "":
		return textPart("text/html", e.HtmlBody), nil
	default:
		return textPart("text/plain", e.TextBody), nil
	}
}

// renderMixed wraps the body and attachments in multipart/mixed.
func renderMixed(body part, attachments []Attachment) (part, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	pw, err := w.CreatePart(body.header)
	if err != nil {
		return part{}, fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := pw.Write(body.body); err != nil {
		return part{}, fmt.Errorf("failed to write body part: %w", err)
	}

	for _, att := range attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header := make(textproto.MIMEHeader)
		header.Set("Content-Type", contentType)
		header.Set("Content-Transfer-Encoding", "base64")
		header.Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", mime.QEncoding.Encode("UTF-8", att.Filename)))

		aw, err := w.CreatePart(header)
		if err != nil {
			return part{}, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := aw.Write([]byte(encodeBase64WithLineBreaks(att.Content))); err != nil {
			return part{}, fmt.Errorf("failed to write attachment part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return part{}, fmt.Errorf("failed to close mixed writer: %w", err)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", w.Boundary()))
	return part{header: header, body: b.Bytes()}, nil
}

func textPart(mediaType, content string) part {
	var b bytes.Buffer
	qp := quotedprintable.NewWriter(&b)
	qp.Write([]byte(content))
	qp.Close()

	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", mediaType+"; charset=UTF-8")
	header.Set("Content-Transfer-Encoding", "quoted-printable")
	return part{header: header, body: b.Bytes()}
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	value = sanitizeHeaderValue(value)
	if value == "" {
		return
	}
	fmt.Fprintf(buf, "%s: %s\r\n", key, value)
}

func writePartHeader(buf *bytes.Buffer, header textproto.MIMEHeader) {
	keys := make([]string, 0, len(header))
	for key := range header {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(buf, "%s: %s\r\n", key, header.Get(key))
	}
}

func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	return strings.TrimSpace(clean)
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := min(i+76, len(encoded))
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
