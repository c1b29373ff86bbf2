package provider

// Kind identifies which payload variant a message maps to.
type Kind int

const (
	KindBasic Kind = iota
	KindTemplated
)

func (k Kind) String() string {
	if k == KindTemplated {
		return "templated"
	}
	return "basic"
}

// Payload is implemented only by *BasicPayload and *TemplatedPayload.
type Payload interface {
	Kind() Kind
	sealed()
}

// LinkTracking is Postmark's link tracking mode.
type LinkTracking string

const (
	LinkTrackingNone        LinkTracking = "None"
	LinkTrackingHTMLAndText LinkTracking = "HtmlAndText"
	LinkTrackingHTMLOnly    LinkTracking = "HtmlOnly"
	LinkTrackingTextOnly    LinkTracking = "TextOnly"
)

// Attachment is an encoded attachment ready for the wire.
type Attachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
}

// Header is a custom header forwarded with the message.
type Header struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// BasicPayload mirrors the body of Postmark's POST /email request.
// Exactly one of TextBody and HtmlBody is set.
type BasicPayload struct {
	From        string       `json:"From,omitempty"`
	To          string       `json:"To"`
	Cc          string       `json:"Cc,omitempty"`
	Bcc         string       `json:"Bcc,omitempty"`
	ReplyTo     string       `json:"ReplyTo,omitempty"`
	Subject     string       `json:"Subject,omitempty"`
	Tag         string       `json:"Tag,omitempty"`
	HtmlBody    *string      `json:"HtmlBody,omitempty"`
	TextBody    *string      `json:"TextBody,omitempty"`
	Headers     []Header     `json:"Headers,omitempty"`
	TrackOpens  *bool        `json:"TrackOpens,omitempty"`
	TrackLinks  LinkTracking `json:"TrackLinks,omitempty"`
	Attachments []Attachment `json:"Attachments,omitempty"`
}

// Kind implements Payload.
func (*BasicPayload) Kind() Kind { return KindBasic }
func (*BasicPayload) sealed()    {}

// TemplatedPayload mirrors the body of Postmark's POST /email/withTemplate
// request. Exactly one of TemplateID and TemplateAlias is set.
type TemplatedPayload struct {
	From          string       `json:"From,omitempty"`
	To            string       `json:"To"`
	Cc            string       `json:"Cc,omitempty"`
	Bcc           string       `json:"Bcc,omitempty"`
	ReplyTo       string       `json:"ReplyTo,omitempty"`
	TemplateID    *int64       `json:"TemplateId,omitempty"`
	TemplateAlias string       `json:"TemplateAlias,omitempty"`
	TemplateModel any          `json:"TemplateModel,omitempty"`
	Tag           string       `json:"Tag,omitempty"`
	Headers       []Header     `json:"Headers,omitempty"`
	TrackOpens    *bool        `json:"TrackOpens,omitempty"`
	TrackLinks    LinkTracking `json:"TrackLinks,omitempty"`
	Attachments   []Attachment `json:"Attachments,omitempty"`
}

// Kind implements Payload.
func (*TemplatedPayload) Kind() Kind { return KindTemplated }
func (*TemplatedPayload) sealed()    {}
