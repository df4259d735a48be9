package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/mail"
	"os"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	gmail "google.golang.org/api/gmail/v1"

	"github.com/replyflow/replyflow/internal/logging"
)

// transcriptDepth is how many trailing messages of a thread are rendered as
// AI context.
const transcriptDepth = 5

// maxAttachmentSize bounds attachment downloads for text extraction (10MB).
const maxAttachmentSize = 10 * 1024 * 1024

// headerValue extracts a header value from a Gmail message.
func headerValue(m *gmail.Message, header string) string {
	if m == nil || m.Payload == nil {
		return ""
	}
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, header) {
			return h.Value
		}
	}
	return ""
}

// encodeRFC2047 encodes a header value when it contains non-ASCII characters.
func encodeRFC2047(s string) string {
	for _, r := range s {
		if r > 127 {
			return mime.BEncoding.Encode("UTF-8", s)
		}
	}
	return s
}

// counterpartOf scans the thread's From headers for the first participant
// address that is not the owner's own address.
func counterpartOf(thread *gmail.Thread, ownerAddr string) (email, name string) {
	owner := strings.ToLower(strings.TrimSpace(ownerAddr))
	for _, msg := range thread.Messages {
		from := headerValue(msg, "From")
		if from == "" {
			continue
		}
		addr, err := mail.ParseAddress(from)
		if err != nil {
			continue
		}
		if strings.ToLower(addr.Address) != owner {
			return strings.ToLower(addr.Address), addr.Name
		}
	}
	return "", ""
}

// renderTranscript flattens the last transcriptDepth messages of a thread
// into a chronological text block: sender, date, subject, decoded body, plus
// extracted text of any readable attachments on the newest message.
func (c *Client) renderTranscript(ctx context.Context, thread *gmail.Thread) string {
	messages := thread.Messages
	if len(messages) > transcriptDepth {
		messages = messages[len(messages)-transcriptDepth:]
	}

	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n---\n\n")
		}
		fmt.Fprintf(&b, "From: %s\n", headerValue(msg, "From"))
		fmt.Fprintf(&b, "Date: %s\n", headerValue(msg, "Date"))
		fmt.Fprintf(&b, "Subject: %s\n\n", headerValue(msg, "Subject"))
		b.WriteString(strings.TrimSpace(messageBody(msg)))
		b.WriteString("\n")
	}

	if len(messages) > 0 {
		if text := c.attachmentText(ctx, messages[len(messages)-1]); text != "" {
			b.WriteString("\n---\n\n")
			b.WriteString(text)
		}
	}
	return b.String()
}

// messageBody extracts the readable text of a message, preferring HTML
// converted to markdown since it preserves links.
func messageBody(msg *gmail.Message) string {
	if msg.Payload == nil {
		return ""
	}

	var plainText, htmlText string
	if msg.Payload.Body != nil && msg.Payload.Body.Data != "" {
		if decoded, err := decodeBody(msg.Payload.Body.Data); err == nil {
			if msg.Payload.MimeType == "text/html" {
				htmlText = decoded
			} else {
				plainText = decoded
			}
		}
	}
	if len(msg.Payload.Parts) > 0 {
		p, h := extractFromParts(msg.Payload.Parts)
		if p != "" {
			plainText = p
		}
		if h != "" {
			htmlText = h
		}
	}

	if htmlText != "" {
		if markdown, err := htmltomarkdown.ConvertString(htmlText); err == nil {
			return markdown
		}
		if plainText != "" {
			return plainText
		}
		return htmlText
	}
	return plainText
}

// extractFromParts recursively finds the first plain-text and HTML parts.
func extractFromParts(parts []*gmail.MessagePart) (plainText, htmlText string) {
	for _, part := range parts {
		if part.Body != nil && part.Body.Data != "" {
			decoded, err := decodeBody(part.Body.Data)
			if err != nil {
				continue
			}
			switch part.MimeType {
			case "text/plain":
				if plainText == "" {
					plainText = decoded
				}
			case "text/html":
				if htmlText == "" {
					htmlText = decoded
				}
			}
		}
		if len(part.Parts) > 0 {
			p, h := extractFromParts(part.Parts)
			if plainText == "" {
				plainText = p
			}
			if htmlText == "" {
				htmlText = h
			}
		}
	}
	return plainText, htmlText
}

// decodeBody decodes base64url (Gmail's encoding) with a std-base64 fallback.
func decodeBody(data string) (string, error) {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.StdEncoding.DecodeString(data)
		if err != nil {
			return "", err
		}
	}
	return string(decoded), nil
}

// attachmentText downloads the message's readable attachments (PDF, DOCX,
// plain text) and returns their extracted text. Extraction is best effort:
// an unreadable attachment is skipped, never fatal.
func (c *Client) attachmentText(ctx context.Context, msg *gmail.Message) string {
	if msg.Payload == nil {
		return ""
	}

	var b strings.Builder
	walkParts(msg.Payload, func(part *gmail.MessagePart) {
		if part.Filename == "" || part.Body == nil || part.Body.AttachmentId == "" {
			return
		}
		if part.Body.Size > maxAttachmentSize {
			return
		}

		start := time.Now()
		att, err := c.svc.Messages.Attachments.Get("me", msg.Id, part.Body.AttachmentId).Context(ctx).Do()
		c.record(ctx, "attachment_get", start, err)
		if err != nil {
			c.logger.Warn("failed to fetch attachment", logging.Err(err))
			return
		}
		data, err := base64.URLEncoding.DecodeString(att.Data)
		if err != nil {
			return
		}
		text, err := extractAttachmentText(data, part.MimeType, part.Filename)
		if err != nil || text == "" {
			return
		}
		fmt.Fprintf(&b, "Attachment %s:\n%s\n", part.Filename, strings.TrimSpace(text))
	})
	return strings.TrimSpace(b.String())
}

func walkParts(part *gmail.MessagePart, fn func(*gmail.MessagePart)) {
	if part == nil {
		return
	}
	fn(part)
	for _, sub := range part.Parts {
		walkParts(sub, fn)
	}
}

// extractAttachmentText converts a PDF, DOCX, or plain-text attachment into
// text usable as AI context.
func extractAttachmentText(data []byte, mimeType, filename string) (string, error) {
	lower := strings.ToLower(filename)
	switch {
	case mimeType == "application/pdf" || strings.HasSuffix(lower, ".pdf"):
		return extractPDFText(data)
	case mimeType == "application/vnd.openxmlformats-officedocument.wordprocessingml.document" ||
		strings.HasSuffix(lower, ".docx"):
		return extractDOCXText(data)
	case strings.HasPrefix(mimeType, "text/") || strings.HasSuffix(lower, ".txt"):
		return string(data), nil
	default:
		return "", fmt.Errorf("unsupported attachment type: %s", mimeType)
	}
}

// maxPDFPages bounds extraction for very large documents.
const maxPDFPages = 50

func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}

	pages := reader.NumPage()
	if pages > maxPDFPages {
		pages = maxPDFPages
	}

	var b strings.Builder
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(map[string]*pdf.Font{})
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}

	if b.Len() == 0 {
		return "", fmt.Errorf("no text could be extracted from PDF")
	}
	return b.String(), nil
}

func extractDOCXText(data []byte) (string, error) {
	// The docx library only reads from files.
	tmp, err := os.CreateTemp("", "attachment_*.docx")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	tmp.Close()

	doc, err := docx.ReadDocxFile(tmp.Name())
	if err != nil {
		return "", fmt.Errorf("failed to open DOCX: %w", err)
	}
	defer doc.Close()

	content := doc.Editable().GetContent()
	if content == "" {
		return "", fmt.Errorf("no text could be extracted from DOCX")
	}
	return stripDocxXML(content), nil
}

// stripDocxXML reduces the DOCX body XML to its text runs.
func stripDocxXML(content string) string {
	if !strings.HasPrefix(strings.TrimSpace(content), "<") {
		return content
	}
	var b strings.Builder
	inTag := false
	for _, r := range content {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
