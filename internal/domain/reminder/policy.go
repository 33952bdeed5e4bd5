package reminder

import (
	"errors"
	"fmt"
	"time"
)

// Template is the title and body of a rendered message, in text/template syntax.
type Template struct {
	Title string `mapstructure:"title" json:"title"`
	Body  string `mapstructure:"body" json:"body"`
}

// Templates holds one template per reminder type.
type Templates struct {
	Before24h   Template `mapstructure:"24h" json:"24h"`
	Before2h    Template `mapstructure:"2h" json:"2h"`
	Before15min Template `mapstructure:"15min" json:"15min"`
}

// For returns the template of a reminder type.
func (ts Templates) For(t Type) (Template, error) {
	switch t {
	case Type24h:
		return ts.Before24h, nil
	case Type2h:
		return ts.Before2h, nil
	case Type15min:
		return ts.Before15min, nil
	}
	return Template{}, fmt.Errorf("no template for reminder type %q", t)
}

// Policy controls how reminders are created and what they say.
type Policy struct {
	DefaultChannel Channel   `mapstructure:"default_channel" json:"default_channel"`
	Templates      Templates `mapstructure:"templates" json:"templates"`
	// DoctorNotice sends the doctor an in-app notice for each reminder sent.
	DoctorNotice   bool      `mapstructure:"doctor_notice" json:"doctor_notice"`
	DoctorTemplate Template  `mapstructure:"doctor_template" json:"doctor_template"`
	// TimeZone is the IANA zone appointment times are rendered in.
	TimeZone       string    `mapstructure:"time_zone" json:"time_zone"`
}

// DefaultPolicy returns the built-in reminder policy.
func DefaultPolicy() Policy {
	return Policy{
		DefaultChannel: ChannelPush,
		Templates: Templates{
			Before24h: Template{
				Title: "Reminder: appointment tomorrow",
				Body:  `Hello {{.FirstName}}, you have a {{.Kind}} appointment tomorrow, {{.When}}{{if .Location}} at {{.Location}}{{end}}.`,
			},
			Before2h: Template{
				Title: "Reminder: appointment in 2 hours",
				Body:  `Hello {{.FirstName}}, your {{.Kind}} appointment is in 2 hours ({{.When}}){{if .Location}} at {{.Location}}{{end}}.`,
			},
			Before15min: Template{
				Title: "Reminder: appointment starting soon",
				Body:  `Hello {{.FirstName}}, your {{.Kind}} appointment starts in 15 minutes{{if .Location}} at {{.Location}}{{end}}.`,
			},
		},
		DoctorNotice: true,
		DoctorTemplate: Template{
			Title: "Reminder: {{.FirstName}} {{.LastName}}",
			Body:  "{{.Kind}} appointment {{.Phrase}} - {{.When}}",
		},
		TimeZone: "UTC",
	}
}

// Validate checks the channel and that every template parses.
func (p Policy) Validate() error {
	var errs []error
	if !p.DefaultChannel.Valid() {
		errs = append(errs, fmt.Errorf("default_channel: unknown channel %q", p.DefaultChannel))
	}
	if _, err := time.LoadLocation(p.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("time_zone: %w", err))
	}
	if _, err := CompileTemplates(p); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
