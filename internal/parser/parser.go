// Package parser turns the DATA section received by the relay listener into
// an email.Email.
package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/shineum/sendgrid-relay/internal/email"
)

// maxDepth bounds multipart nesting.
const maxDepth = 8

var errTooDeep = errors.New("multipart nesting too deep")

// headerDecoder decodes RFC 2047 words in any charset known to x/text.
var headerDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

var addressParser = &mail.AddressParser{WordDecoder: headerDecoder}

// header is the read side shared by mail.Header and textproto.MIMEHeader.
type header interface {
	Get(key string) string
}

// Parse parses a raw RFC 5322 message. Text parts are converted to UTF-8,
// transfer encodings are undone at every level and non-text parts become
// attachments. Parts that cannot be understood are logged and skipped.
func Parse(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Email{
		RawHeaders: make(map[string][]string, len(msg.Header)),
		MessageID:  msg.Header.Get("Message-Id"),
		ReplyTo:    msg.Header.Get("Reply-To"),
		Subject:    decodeHeader(msg.Header.Get("Subject")),
		To:         parseAddressList(msg.Header.Get("To")),
		Cc:         parseAddressList(msg.Header.Get("Cc")),
		Bcc:        parseAddressList(msg.Header.Get("Bcc")),
	}
	for key, values := range msg.Header {
		result.RawHeaders[key] = values
	}
	if raw := msg.Header.Get("From"); raw != "" {
		if addr, err := addressParser.Parse(raw); err == nil {
			result.From, result.FromName = addr.Address, addr.Name
		} else {
			from := email.ParseAddress(raw)
			result.From, result.FromName = from.Email, from.Name
		}
	}

	w := &walker{result: result, log: slog.Default()}
	if err := w.entity(msg.Header, msg.Body, 0); err != nil {
		return nil, err
	}
	return result, nil
}

// walker collects bodies and attachments from a MIME tree into result.
type walker struct {
	result *email.Email
	log    *slog.Logger
}

// entity handles one MIME entity: the message itself or a part of it.
func (w *walker) entity(h header, body io.Reader, depth int) error {
	contentType := h.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		if depth > 0 {
			w.log.Warn("failed to parse part content type, skipping",
				"content_type", contentType,
				"error", err,
			)
			return nil
		}
		w.log.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		mediaType, params = "text/plain", nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return w.multipart(body, params["boundary"], depth)
	}

	content, err := decodeTransfer(h.Get("Content-Transfer-Encoding"), body)
	if err != nil {
		if depth == 0 {
			return fmt.Errorf("failed to read message body: %w", err)
		}
		w.log.Warn("failed to read part content", "content_type", mediaType, "error", err)
		return nil
	}

	disposition, dispParams, _ := mime.ParseMediaType(h.Get("Content-Disposition"))
	filename := decodeHeader(firstNonEmpty(dispParams["filename"], params["name"]))

	switch {
	case disposition == "attachment":
		w.attach(mediaType, filename, content)
	case mediaType == "text/plain" || (depth == 0 && !strings.HasPrefix(mediaType, "text/html") && filename == ""):
		if mediaType != "text/plain" {
			w.log.Warn("unrecognized top-level content type", "content_type", mediaType)
		}
		if w.result.TextBody == "" {
			w.result.TextBody = w.toUTF8(content, params["charset"])
		}
	case mediaType == "text/html":
		if w.result.HtmlBody == "" {
			w.result.HtmlBody = w.toUTF8(content, params["charset"])
		}
	case filename != "" || h.Get("Content-Id") != "":
		w.attach(mediaType, filename, content)
	default:
		w.log.Warn("unrecognized MIME part, skipping",
			"content_type", mediaType,
			"disposition", disposition,
		)
	}
	return nil
}

func (w *walker) multipart(body io.Reader, boundary string, depth int) error {
	if boundary == "" {
		if depth == 0 {
			return errors.New("multipart message missing boundary")
		}
		w.log.Warn("nested multipart missing boundary, skipping")
		return nil
	}
	if depth >= maxDepth {
		return errTooDeep
	}

	reader := multipart.NewReader(body, boundary)
	for {
		part, err := reader.NextRawPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if depth == 0 {
				return fmt.Errorf("failed to parse multipart message: %w", err)
			}
			w.log.Warn("failed to parse nested multipart", "error", err)
			return nil
		}
		if err := w.entity(part.Header, part, depth+1); err != nil {
			if errors.Is(err, errTooDeep) {
				return fmt.Errorf("failed to parse multipart message: %w", err)
			}
			w.log.Warn("failed to parse part", "error", err)
		}
	}
}

// attach stores a part as an attachment. The mail API rejects attachments
// without a filename, so one is derived from the media type when missing.
func (w *walker) attach(mediaType, filename string, content []byte) {
	if filename == "" {
		filename = "attachment"
		if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
			filename += "." + sub
		}
	}
	w.result.Attachments = append(w.result.Attachments, email.Attachment{
		Filename:    filename,
		ContentType: mediaType,
		Content:     content,
	})
}

// toUTF8 converts text in charset to UTF-8. Unknown charsets are passed
// through unchanged.
func (w *walker) toUTF8(content []byte, charset string) string {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8", "us-ascii":
		return string(content)
	}
	r, err := charsetReader(charset, bytes.NewReader(content))
	if err != nil {
		w.log.Warn("unsupported charset, keeping raw bytes", "charset", charset)
		return string(content)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		w.log.Warn("failed to decode charset", "charset", charset, "error", err)
		return string(content)
	}
	return string(decoded)
}

// decodeTransfer reads body and undoes its Content-Transfer-Encoding. 7bit,
// 8bit and binary bodies are returned as read.
func decodeTransfer(encoding string, body io.Reader) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		cleaned := strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(body))
	default:
		return io.ReadAll(body)
	}
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", charset, err)
	}
	return enc.NewDecoder().Reader(input), nil
}

// decodeHeader decodes RFC 2047 encoded-words, returning the input unchanged
// when it is not encoded.
func decodeHeader(value string) string {
	decoded, err := headerDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// parseAddressList returns the bare mailboxes of an address list header,
// falling back to a comma split when the list is not valid RFC 5322.
func parseAddressList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	addresses, err := addressParser.ParseList(raw)
	if err != nil {
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		out = append(out, addr.Address)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
