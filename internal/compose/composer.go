package compose

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/teemow/draftsender/internal/model"
)

const (
	// TestRecipientName replaces the recipient display name in test mode.
	TestRecipientName = "Test Recipient"
	// TestModeHeader marks messages sent in test mode.
	TestModeHeader = "X-Test-Mode"

	signatureSeparator = "<br><br>-- <br>"
	replyPrefix        = "Re: "
)

// Config configures a Composer.
type Config struct {
	// TrackingBaseURL and PixelEndpoint form the pixel URL. Tracking is
	// off when TrackingEnabled is false or the base URL is empty.
	TrackingBaseURL string
	PixelEndpoint   string
	TrackingEnabled bool

	// SignatureHTML is the deployment-wide signature, used when a Request
	// does not carry one.
	SignatureHTML string

	// Clock and NewID default to time.Now and uuid.NewString.
	Clock func() time.Time
	NewID func() string
}

// Request describes one message to build from a record.
type Request struct {
	Kind model.PixelKind

	// From is the sending mailbox.
	From     string
	FromName string

	// To overrides the record's recipient, as a resend does.
	To     string
	ToName string

	TestMode  bool
	TestEmail string

	// NoPixel builds the message without tracking, as for mailbox drafts.
	NoPixel bool

	// Signature overrides the configured signature for this message.
	Signature string

	// ThreadID and InReplyTo place a followup in its parent's thread.
	// Both are ignored in test mode.
	ThreadID  string
	InReplyTo string
}

// Message is a composed message and the values the send path persists.
type Message struct {
	Raw []byte

	To        string
	ToName    string
	From      string
	Subject   string
	HTML      string
	Text      string
	PixelID   string
	ThreadID  string
	InReplyTo string
	TestMode  bool
}

// Composer builds MIME messages from records. It has no side effects: a
// pixel id is only reserved, the caller stores the TrackingPixel record
// together with the send transition.
type Composer struct {
	renderer  *Renderer
	pixelURL  string
	tracking  bool
	signature string
	now       func() time.Time
	newID     func() string
}

// New creates a Composer.
func New(cfg Config) *Composer {
	c := &Composer{
		renderer:  NewRenderer(),
		tracking:  cfg.TrackingEnabled && cfg.TrackingBaseURL != "",
		signature: cfg.SignatureHTML,
		now:       cfg.Clock,
		newID:     cfg.NewID,
	}
	if c.tracking {
		endpoint := cfg.PixelEndpoint
		if endpoint == "" {
			endpoint = "/pixel.png"
		}
		c.pixelURL = strings.TrimRight(cfg.TrackingBaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

// Tracking reports whether built messages carry a tracking pixel.
func (c *Composer) Tracking() bool {
	return c.tracking
}

// Build composes the message for d.
func (c *Composer) Build(d *model.Draft, req Request) (*Message, error) {
	if d == nil {
		return nil, errors.New("record is required")
	}

	m := &Message{
		From:     req.From,
		Subject:  cleanSubject(d.Subject),
		TestMode: req.TestMode,
	}

	switch {
	case req.TestMode:
		m.To, m.ToName = req.TestEmail, TestRecipientName
	case req.To != "":
		m.To, m.ToName = req.To, req.ToName
	default:
		m.To, m.ToName = d.Recipient(), d.RecipientName()
	}
	if m.To == "" {
		return nil, errors.New("record has no recipient")
	}
	if m.From == "" {
		return nil, errors.New("sender is required")
	}

	if req.Kind == model.PixelFollowup && !hasReplyPrefix(m.Subject) {
		m.Subject = replyPrefix + m.Subject
	}
	if !req.TestMode {
		m.ThreadID = req.ThreadID
		m.InReplyTo = req.InReplyTo
	}

	body, err := c.renderer.Render(d.Markdown())
	if err != nil {
		return nil, err
	}

	if c.tracking && !req.TestMode && !req.NoPixel {
		m.PixelID = c.newID()
		body += c.pixelTag(m.PixelID, req.Kind)
	}

	signature := req.Signature
	if signature == "" {
		signature = c.signature
	}
	if signature != "" {
		body += signatureSeparator + EnsureImageAlt(signature)
	}

	m.HTML = body
	m.Text = PlainText(body)

	raw, err := c.encode(m, req.FromName)
	if err != nil {
		return nil, err
	}
	m.Raw = raw
	return m, nil
}

func (c *Composer) pixelTag(id string, kind model.PixelKind) string {
	if kind == "" {
		kind = model.PixelDraft
	}
	q := url.Values{"id": {id}, "type": {string(kind)}}
	src := c.pixelURL + "?" + q.Encode()
	return `<img src="` + html.EscapeString(src) + `" width="1" height="1" style="display:none" alt="">`
}

func (c *Composer) encode(m *Message, fromName string) ([]byte, error) {
	var h mail.Header
	h.SetDate(c.now())
	h.SetAddressList("From", []*mail.Address{{Name: fromName, Address: m.From}})
	h.SetAddressList("To", []*mail.Address{{Name: m.ToName, Address: m.To}})
	h.SetSubject(m.Subject)
	h.Set("MIME-Version", "1.0")
	if m.InReplyTo != "" {
		h.Set("In-Reply-To", m.InReplyTo)
		h.Set("References", m.InReplyTo)
	}
	if m.TestMode {
		h.Set(TestModeHeader, "true")
	}

	var buf bytes.Buffer
	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	if err := writePart(w, "text/plain", m.Text); err != nil {
		return nil, err
	}
	if err := writePart(w, "text/html", m.HTML); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(w *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")

	pw, err := w.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return pw.Close()
}

// cleanSubject removes line breaks so the subject cannot inject headers.
func cleanSubject(s string) string {
	s = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(s)
	return strings.TrimSpace(s)
}

func hasReplyPrefix(s string) bool {
	return len(s) >= 3 && strings.EqualFold(s[:3], "re:")
}
