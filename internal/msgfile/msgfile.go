// Package msgfile loads outgoing messages described in YAML files.
//
// A message file looks like:
//
//	from: sender@example.com
//	to: [user@example.com]
//	subject: Welcome
//	body: <p>Hello</p>
//	html: true
//	tag: onboarding
//	track_links: true
//	headers:
//	  - name: X-Campaign
//	    value: spring
//	template:
//	  alias: welcome
//	  model: {name: Ada}
//	attachments:
//	  - path: ./invoice.pdf
package msgfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"
	"gopkg.in/yaml.v3"

	"github.com/shineum/postmark-relay/internal/email"
)

// ErrTranslatorNotFound indicates the English translator is unavailable.
var ErrTranslatorNotFound = errors.New("translator not found")

// File is the YAML shape of one message.
type File struct {
	From    string   `yaml:"from" validate:"omitempty,email"`
	To      []string `yaml:"to" validate:"required,min=1,dive,email"`
	Cc      []string `yaml:"cc" validate:"dive,email"`
	Bcc     []string `yaml:"bcc" validate:"dive,email"`
	ReplyTo []string `yaml:"reply_to" validate:"dive,email"`
	Subject string   `yaml:"subject"`
	Body    string   `yaml:"body"`
	HTML    bool     `yaml:"html"`

	Tag        string `yaml:"tag"`
	TrackLinks *bool  `yaml:"track_links"`

	Headers     []Header     `yaml:"headers" validate:"dive"`
	Template    *Template    `yaml:"template"`
	Attachments []Attachment `yaml:"attachments" validate:"dive"`
}

// Header is a custom header forwarded with the message.
type Header struct {
	Name  string `yaml:"name" validate:"required"`
	Value string `yaml:"value"`
}

// Template selects a hosted template by numeric id or alias.
type Template struct {
	ID    int64          `yaml:"id" validate:"omitempty,gt=0"`
	Alias string         `yaml:"alias" validate:"required_without=ID"`
	Model map[string]any `yaml:"model"`
}

// Attachment references a file on disk. Relative paths resolve against the
// message file's directory.
type Attachment struct {
	Path        string `yaml:"path" validate:"required"`
	Name        string `yaml:"name"`
	ContentType string `yaml:"content_type"`
}

// ValidationError maps yaml field paths to messages.
type ValidationError map[string]string

func (ve ValidationError) Error() string {
	if len(ve) == 0 {
		return "validation error"
	}

	fields := make([]string, 0, len(ve))
	for f := range ve {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+ve[f])
	}
	return "invalid message file: " + strings.Join(parts, "; ")
}

// Loader reads and validates message files.
type Loader struct {
	validate   *validator.Validate
	translator ut.Translator
}

// NewLoader constructs a Loader with English validation messages.
func NewLoader() (*Loader, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	enLang := en.New()
	uni := ut.New(enLang, enLang)
	enTrans, ok := uni.GetTranslator("en")
	if !ok {
		return nil, ErrTranslatorNotFound
	}
	if err := enTranslations.RegisterDefaultTranslations(validate, enTrans); err != nil {
		return nil, fmt.Errorf("failed to register translations: %w", err)
	}

	return &Loader{validate: validate, translator: enTrans}, nil
}

// Parse decodes and validates a message file.
func (l *Loader) Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse message file: %w", err)
	}
	if err := l.Validate(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks f and returns a ValidationError on failure.
func (l *Loader) Validate(f *File) error {
	err := l.validate.Struct(f)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	ve := make(ValidationError, len(fieldErrs))
	for _, fe := range fieldErrs {
		// Drop the root struct name from "File.to[0]".
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		ve[path] = fe.Translate(l.translator)
	}
	return ve
}

// Load reads path and builds the message it describes. A non-empty
// templateRef overrides the file's template: a numeric value selects a
// template id, anything else an alias.
func (l *Loader) Load(path, templateRef string) (*email.MailMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read message file: %w", err)
	}

	f, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	msg, err := f.Message(filepath.Dir(path), templateRef)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return msg, nil
}

// Message converts f into a MailMessage. Attachment paths are resolved
// against dir and read fully into memory.
func (f *File) Message(dir, templateRef string) (*email.MailMessage, error) {
	msg := &email.MailMessage{
		From:    f.From,
		To:      f.To,
		Cc:      f.Cc,
		Bcc:     f.Bcc,
		ReplyTo: f.ReplyTo,
		Subject: f.Subject,
		Body:    f.Body,
		IsHTML:  f.HTML,
	}

	for _, h := range f.Headers {
		msg.Metadata.Add(h.Name, h.Value)
	}
	if f.Tag != "" {
		msg.Metadata.Set(email.TagHeader, f.Tag)
	}
	if f.TrackLinks != nil {
		msg.Metadata.Set(email.TrackLinksHeader, strconv.FormatBool(*f.TrackLinks))
	}

	if err := f.applyTemplate(msg, templateRef); err != nil {
		return nil, err
	}

	for _, a := range f.Attachments {
		att, err := loadAttachment(dir, a)
		if err != nil {
			return nil, err
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	return msg, nil
}

func (f *File) applyTemplate(msg *email.MailMessage, ref string) error {
	var model map[string]any
	if f.Template != nil {
		model = f.Template.Model
	}
	if model == nil {
		model = map[string]any{}
	}

	ref = strings.TrimSpace(ref)
	switch {
	case ref != "":
		if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
			return msg.UseTemplateID(id, model)
		}
		return msg.UseTemplateAlias(ref, model)
	case f.Template == nil:
		return nil
	case f.Template.ID != 0:
		return msg.UseTemplateID(f.Template.ID, model)
	default:
		return msg.UseTemplateAlias(f.Template.Alias, model)
	}
}

func loadAttachment(dir string, a Attachment) (email.Attachment, error) {
	path := a.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return email.Attachment{}, fmt.Errorf("failed to read attachment: %w", err)
	}

	name := a.Name
	if name == "" {
		name = filepath.Base(path)
	}
	contentType := a.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}

	return email.Attachment{
		Name:        name,
		ContentType: contentType,
		Content:     bytes.NewReader(data),
	}, nil
}
