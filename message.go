package o2gate

import (
	"bytes"
	"fmt"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/jhillyerd/enmime/v2"
)

// MessageSummary describes an outbound message for logs and delay
// notifications. It is built from the DATA section as received.
type MessageSummary struct {
	Subject     string
	From        string
	To          []string
	Attachments []Attachment
	Size        int
}

// Attachment is one attached or inline part of a message
type Attachment struct {
	Name     string
	MimeType string
	Size     int
}

// String returns a formatted string representation of an Attachment
func (a Attachment) String() string {
	return fmt.Sprintf("%s (%s %s)", a.Name, a.MimeType, humanize.Bytes(uint64(a.Size)))
}

func (m MessageSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", m.Subject)
	fmt.Fprintf(&b, "From: %s\n", m.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(m.To, ", "))
	fmt.Fprintf(&b, "Size: %s\n", humanize.Bytes(uint64(m.Size)))
	if len(m.Attachments) != 0 {
		fmt.Fprintf(&b, "%d Attachment(s): %s\n", len(m.Attachments), m.Attachments)
	}
	return b.String()
}

// messageBytes reassembles the DATA lines into the message, dropping the
// terminating "." line and undoing dot-stuffing
func messageBytes(lines [][]byte) []byte {
	var buf bytes.Buffer
	for _, line := range lines {
		if string(dropNl(line)) == "." {
			break
		}
		if bytes.HasPrefix(line, []byte("..")) {
			line = line[1:]
		}
		buf.Write(line)
	}
	return buf.Bytes()
}

// SummarizeMessage parses the DATA lines of a message. A message that does
// not parse still yields its size.
func SummarizeMessage(lines [][]byte) (MessageSummary, error) {
	raw := messageBytes(lines)
	sum := MessageSummary{Size: len(raw)}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return sum, fmt.Errorf("parsing message: %w", err)
	}
	sum.Subject = env.GetHeader("Subject")
	sum.From = env.GetHeader("From")
	for _, header := range []string{"To", "Cc"} {
		list, err := env.AddressList(header)
		if err != nil {
			continue
		}
		for _, a := range list {
			sum.To = append(sum.To, a.Address)
		}
	}
	for _, parts := range [][]*enmime.Part{env.Attachments, env.Inlines} {
		for _, p := range parts {
			sum.Attachments = append(sum.Attachments, Attachment{
				Name:     p.FileName,
				MimeType: p.ContentType,
				Size:     len(p.Content),
			})
		}
	}
	return sum, nil
}
