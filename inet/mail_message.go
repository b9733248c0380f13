package inet

import (
	"bytes"
	"github.com/mailcore/imapsource/misc"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"
)

// MaxMailBodySize bounds how much of a single fetched message this package
// will parse; messages beyond it are truncated before parsing rather than
// rejected outright.
const MaxMailBodySize = 32 * 1048576

// RegexMailAddress matches a bare address (no display name) inside a From/Reply-To header value.
var RegexMailAddress = regexp.MustCompile(`[a-zA-Z0-9!#$%&'*+-/=?_{|}~.^]+@[a-zA-Z0-9!#$%&'*+-/=?_{|}~.^]+.[a-zA-Z0-9!#$%&'*+-/=?_{|}~.^]+`)

// BasicMail holds the headers a mailbox facade's caller typically wants
// without parsing MIME itself. ContentType carries the part's own media
// type when BasicMail describes one part of a multipart message.
type BasicMail struct {
	Subject      string
	FromAddress  string // sender address, without any display name
	ReplyAddress string // Reply-To address, falling back to FromAddress when absent
	ContentType  string
}

// ReadMailMessage parses mailMessage's headers into a BasicMail plus the
// standard library's parsed message for body access.
func ReadMailMessage(mailMessage []byte) (prop BasicMail, parsedMail *mail.Message, err error) {
	if len(mailMessage) > MaxMailBodySize {
		mailMessage = mailMessage[:MaxMailBodySize]
	}
	// Retrieve headers using standard library function
	parsedMail, err = mail.ReadMessage(bytes.NewReader(mailMessage))
	if err != nil {
		return
	}
	prop.Subject = strings.TrimSpace(parsedMail.Header.Get("Subject"))
	prop.ContentType = strings.TrimSpace(parsedMail.Header.Get("Content-Type"))
	// Extract mail address using regex
	if fromAddr := RegexMailAddress.FindString(parsedMail.Header.Get("From")); fromAddr != "" {
		prop.FromAddress = strings.TrimSpace(fromAddr)
	}
	if replyAddr := RegexMailAddress.FindString(parsedMail.Header.Get("Reply-To")); replyAddr != "" {
		prop.ReplyAddress = strings.TrimSpace(replyAddr)
	}
	if prop.ReplyAddress == "" {
		prop.ReplyAddress = strings.TrimSpace(prop.FromAddress)
	}
	return
}

// WalkMailMessage visits each body part of mailMessage: every part of a
// multipart message in turn, or the whole message once if it is not
// multipart. A part transfer-encoded as quoted-printable is decoded before
// fun sees it. fun returns whether to continue to the next part, or an
// error that aborts the walk immediately.
//
// A message whose Content-Type header is absent is treated as a plain
// single-part text message, since that is how most IMAP servers present
// mail a sender never tagged with MIME headers.
func WalkMailMessage(mailMessage []byte, fun func(BasicMail, []byte) (bool, error)) error {
	prop, parsedMail, err := ReadMailMessage(mailMessage)
	if err != nil {
		return err
	}
	mediaType, multipartParams, err := mime.ParseMediaType(prop.ContentType)
	if err != nil {
		if prop.ContentType != "" {
			return err
		}
		mediaType = "text/plain"
	}
	if strings.HasPrefix(mediaType, "multipart/") {
		// Walk through each part individually
		partReader := multipart.NewReader(parsedMail.Body, multipartParams["boundary"])
		for {
			part, err := partReader.NextPart()
			// Stop at the end of all parts
			if err == io.EOF {
				return nil
			} else if err != nil {
				return err
			}
			// For the convenience of consumer, process quoted text and remove those quotes.
			var contentReader io.Reader = part
			if strings.Contains(part.Header.Get("Content-Transfer-Encoding"), "quoted-printable") {
				contentReader = quotedprintable.NewReader(contentReader)
			}
			// Read body of the current part
			body, err := misc.ReadAllUpTo(contentReader, MaxMailBodySize)
			if err != nil {
				return err
			}
			// Invoke function with properties of the current part
			partProp := prop
			partProp.ContentType = part.Header.Get("Content-Type")
			next, err := fun(partProp, body)
			if err != nil {
				return err
			}
			// Stop processing further parts if the function return value asks so
			if !next {
				return nil
			}
		}
	} else {
		// Use the entire message on function
		// For the convenience of consumer, process quoted text and remove those quotes.
		var contentReader io.Reader = parsedMail.Body
		if strings.Contains(parsedMail.Header.Get("Content-Transfer-Encoding"), "quoted-printable") {
			contentReader = quotedprintable.NewReader(contentReader)
		}
		body, err := misc.ReadAllUpTo(contentReader, MaxMailBodySize)
		if err != nil {
			return err
		}
		_, err = fun(prop, body)
		return err
	}
}
