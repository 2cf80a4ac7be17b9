package mail

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"mailcal/internal/models"
)

// ParseEML reads one RFC 5322 message. The body is returned raw; rich bodies
// still need normalizing. DeliveredAt is zero when the Date header is missing or unparseable.
func ParseEML(r io.Reader) (models.Message, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to read email message: %w", err)
	}

	header := msg.Header
	parsed := models.Message{
		ID:      cleanMessageID(header.Get("Message-ID")),
		Subject: decodeHeader(header.Get("Subject")),
		Sender:  decodeHeader(header.Get("From")),
	}

	if dateStr := header.Get("Date"); dateStr != "" {
		if date, err := mail.ParseDate(dateStr); err == nil {
			parsed.DeliveredAt = date.UTC().Truncate(time.Second)
		}
	}

	body, kind, err := extractBody(msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to extract body: %w", err)
	}
	parsed.Body = body
	parsed.ContentKind = kind

	return parsed, nil
}

// extractBody extracts the body text from an email message
func extractBody(msg *mail.Message) (string, models.ContentKind, error) {
	contentType := msg.Header.Get("Content-Type")
	transferEncoding := msg.Header.Get("Content-Transfer-Encoding")
	if contentType == "" {
		body, err := extractSinglePartBody(msg.Body, transferEncoding)
		return body, models.ContentPlain, err
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// Fallback: read as plain text
		body, err := io.ReadAll(msg.Body)
		if err != nil {
			return "", models.ContentPlain, err
		}
		return string(body), models.ContentPlain, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return extractMultipartBody(msg.Body, params["boundary"])
	}

	body, err := extractSinglePartBody(msg.Body, transferEncoding)
	if err != nil {
		return "", models.ContentPlain, err
	}
	if mediaType == "text/html" {
		return body, models.ContentRich, nil
	}
	return body, models.ContentPlain, nil
}

// extractMultipartBody prefers text/plain parts and falls back to HTML
func extractMultipartBody(body io.Reader, boundary string) (string, models.ContentKind, error) {
	mr := multipart.NewReader(body, boundary)
	var textParts []string
	var htmlParts []string

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", models.ContentPlain, err
		}

		partContentType := part.Header.Get("Content-Type")
		mediaType, params, _ := mime.ParseMediaType(partContentType)

		// Attachments never carry the message text
		if disposition, _, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition")); disposition == "attachment" {
			continue
		}

		switch {
		case strings.HasPrefix(mediaType, "multipart/"):
			nested, kind, err := extractMultipartBody(part, params["boundary"])
			if err != nil || nested == "" {
				continue
			}
			if kind == models.ContentRich {
				htmlParts = append(htmlParts, nested)
			} else {
				textParts = append(textParts, nested)
			}
		case mediaType == "text/plain", mediaType == "":
			content, err := extractSinglePartBody(part, part.Header.Get("Content-Transfer-Encoding"))
			if err == nil {
				textParts = append(textParts, content)
			}
		case mediaType == "text/html":
			content, err := extractSinglePartBody(part, part.Header.Get("Content-Transfer-Encoding"))
			if err == nil {
				htmlParts = append(htmlParts, content)
			}
		}
	}

	if len(textParts) > 0 {
		return strings.Join(textParts, "\n\n"), models.ContentPlain, nil
	}
	if len(htmlParts) > 0 {
		return strings.Join(htmlParts, "\n\n"), models.ContentRich, nil
	}
	return "", models.ContentPlain, nil
}

// extractSinglePartBody decodes one part according to its transfer encoding
func extractSinglePartBody(body io.Reader, transferEncoding string) (string, error) {
	reader := body

	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "quoted-printable":
		reader = quotedprintable.NewReader(body)
	case "base64":
		reader = base64.NewDecoder(base64.StdEncoding, body)
	}

	content, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}

	return string(content), nil
}

// decodeHeader decodes MIME encoded headers
func decodeHeader(header string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(header)
	if err != nil {
		return header
	}
	return decoded
}

// cleanMessageID removes < and > from Message-IDs
func cleanMessageID(msgID string) string {
	msgID = strings.TrimSpace(msgID)
	msgID = strings.TrimPrefix(msgID, "<")
	msgID = strings.TrimSuffix(msgID, ">")
	return msgID
}
