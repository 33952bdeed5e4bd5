package reminder

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"
)

const whenLayout = "Monday 2 January 2006 at 15:04"

// TemplateData is the value templates are executed against.
type TemplateData struct {
	FirstName     string
	LastName      string
	Kind          string
	Location      string
	When          string
	Phrase        string
	Type          Type
	AppointmentAt time.Time
}

// Rendered is the output of a template.
type Rendered struct {
	Title string
	Body  string
}

type compiledTemplate struct {
	title *template.Template
	body  *template.Template
}

func compile(name string, t Template) (compiledTemplate, error) {
	if strings.TrimSpace(t.Body) == "" {
		return compiledTemplate{}, fmt.Errorf("template %s: body is required", name)
	}
	title, err := template.New(name + ".title").Parse(t.Title)
	if err != nil {
		return compiledTemplate{}, fmt.Errorf("template %s: %w", name, err)
	}
	body, err := template.New(name + ".body").Parse(t.Body)
	if err != nil {
		return compiledTemplate{}, fmt.Errorf("template %s: %w", name, err)
	}
	return compiledTemplate{title: title, body: body}, nil
}

func (c compiledTemplate) execute(data TemplateData) (Rendered, error) {
	var title, body strings.Builder
	if err := c.title.Execute(&title, data); err != nil {
		return Rendered{}, fmt.Errorf("render title: %w", err)
	}
	if err := c.body.Execute(&body, data); err != nil {
		return Rendered{}, fmt.Errorf("render body: %w", err)
	}
	return Rendered{Title: title.String(), Body: body.String()}, nil
}

// Renderer holds the parsed templates of a Policy.
type Renderer struct {
	before24h   compiledTemplate
	before2h    compiledTemplate
	before15min compiledTemplate
	doctor      *compiledTemplate
	loc         *time.Location
}

// CompileTemplates parses every template of the policy.
func CompileTemplates(p Policy) (*Renderer, error) {
	loc, err := time.LoadLocation(p.TimeZone)
	if err != nil {
		loc = time.UTC
	}

	r := &Renderer{loc: loc}
	var errs []error
	for _, t := range Types() {
		tmpl, err := p.Templates.For(t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c, err := compile(string(t), tmpl)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch t {
		case Type24h:
			r.before24h = c
		case Type2h:
			r.before2h = c
		case Type15min:
			r.before15min = c
		}
	}
	if p.DoctorNotice {
		c, err := compile("doctor", p.DoctorTemplate)
		if err != nil {
			errs = append(errs, err)
		} else {
			r.doctor = &c
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Renderer) lookup(t Type) (compiledTemplate, error) {
	switch t {
	case Type24h:
		return r.before24h, nil
	case Type2h:
		return r.before2h, nil
	case Type15min:
		return r.before15min, nil
	}
	return compiledTemplate{}, fmt.Errorf("no template for reminder type %q", t)
}

// Data builds the template input for a reminder of type t.
func (r *Renderer) Data(t Type, appt Appointment, patient Patient) TemplateData {
	kind := appt.Kind
	if kind == "" {
		kind = "medical"
	}
	return TemplateData{
		FirstName:     patient.FirstName,
		LastName:      patient.LastName,
		Kind:          kind,
		Location:      appt.Location,
		When:          appt.Date.In(r.loc).Format(whenLayout),
		Phrase:        t.Phrase(),
		Type:          t,
		AppointmentAt: appt.Date,
	}
}

// Patient renders the patient-facing message of a reminder.
func (r *Renderer) Patient(t Type, appt Appointment, patient Patient) (Rendered, error) {
	c, err := r.lookup(t)
	if err != nil {
		return Rendered{}, err
	}
	return c.execute(r.Data(t, appt, patient))
}

// Doctor renders the doctor notice. ok is false when notices are disabled.
func (r *Renderer) Doctor(t Type, appt Appointment, patient Patient) (rendered Rendered, ok bool, err error) {
	if r.doctor == nil {
		return Rendered{}, false, nil
	}
	rendered, err = r.doctor.execute(r.Data(t, appt, patient))
	return rendered, err == nil, err
}
