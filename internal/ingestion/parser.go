package ingestion

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

var nowFunc = time.Now

const (
	noSender           = "No Sender"
	untitledAttachment = "untitled"
	generatedIDPrefix  = "generated-"
)

// ParseMessage parses one message as produced by the Splitter. raw is kept
// verbatim in the result; a leading mbox "From " envelope line is skipped for
// parsing only.
func ParseMessage(raw []byte) (*EmailObject, error) {
	body := stripEnvelopeLine(raw)
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty message")
	}

	mr, err := mail.CreateReader(bytes.NewReader(body))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	email := &EmailObject{
		From:    addressList(h, "From"),
		To:      addressList(h, "To"),
		Cc:      addressList(h, "Cc"),
		Bcc:     addressList(h, "Bcc"),
		Headers: headerMap(h),
		EML:     raw,
		Path:    folderHint(h),
	}
	if len(email.From) == 0 {
		email.From = []EmailAddress{{Name: noSender, Address: noSender}}
	}

	email.Subject, err = h.Subject()
	if err != nil {
		email.Subject = h.Get("Subject")
	}

	email.ReceivedAt, err = h.Date()
	if err != nil || email.ReceivedAt.IsZero() {
		email.ReceivedAt = nowFunc()
	}

	email.ID, _ = h.MessageID()
	if email.ID == "" {
		sum := sha256.Sum256(raw)
		email.ID = generatedIDPrefix + hex.EncodeToString(sum[:])
	}
	email.ThreadID = threadID(h, email.Subject, email.ID)

	if err := readParts(mr, email); err != nil {
		return nil, err
	}
	return email, nil
}

func readParts(mr *mail.Reader, email *EmailObject) error {
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("read part: %w", err)
		}
		if p == nil {
			continue
		}

		content, err := io.ReadAll(p.Body)
		if err != nil {
			return fmt.Errorf("read part body: %w", err)
		}

		ct, ctParams, err := mime.ParseMediaType(p.Header.Get("Content-Type"))
		if err != nil || ct == "" {
			ct = "text/plain"
		}
		disp, dispParams, _ := mime.ParseMediaType(p.Header.Get("Content-Disposition"))
		name := partFilename(p.Header, dispParams, ctParams)

		if disp != "attachment" && name == "" {
			switch ct {
			case "text/plain":
				email.Body = joinBody(email.Body, string(content))
				continue
			case "text/html":
				email.HTML = joinBody(email.HTML, string(content))
				continue
			}
		}
		email.Attachments = append(email.Attachments, newAttachment(name, ct, content))
	}
}

func partFilename(h mail.PartHeader, dispParams, ctParams map[string]string) string {
	if ah, ok := h.(*mail.AttachmentHeader); ok {
		if name, err := ah.Filename(); err == nil && name != "" {
			return name
		}
	}
	if name := dispParams["filename"]; name != "" {
		return name
	}
	return ctParams["name"]
}

func joinBody(cur, next string) string {
	if cur == "" {
		return next
	}
	return cur + "\n" + next
}

func newAttachment(name, contentType string, content []byte) Attachment {
	if name == "" {
		name = untitledAttachment
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Attachment{
		Filename:    name,
		ContentType: contentType,
		Size:        int64(len(content)),
		Content:     content,
	}
}

func stripEnvelopeLine(raw []byte) []byte {
	if !bytes.HasPrefix(raw, mboxMarker) {
		return raw
	}
	i := bytes.IndexByte(raw, '\n')
	if i < 0 {
		return nil
	}
	return raw[i+1:]
}

func addressList(h mail.Header, key string) []EmailAddress {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]EmailAddress, 0, len(list))
	for _, a := range list {
		out = append(out, EmailAddress{
			Name:    a.Name,
			Address: strings.ReplaceAll(a.Address, "'", ""),
		})
	}
	return out
}

func headerMap(h mail.Header) map[string][]string {
	out := make(map[string][]string)
	fields := h.Fields()
	for fields.Next() {
		k := strings.ToLower(fields.Key())
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		out[k] = append(out[k], v)
	}
	return out
}

// folderHint returns the first Gmail label, else X-Folder, else "".
func folderHint(h mail.Header) string {
	if labels := h.Get("X-Gmail-Labels"); labels != "" {
		first, _, _ := strings.Cut(labels, ",")
		return strings.TrimSpace(first)
	}
	return strings.TrimSpace(h.Get("X-Folder"))
}
