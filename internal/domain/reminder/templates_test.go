package reminder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRendererOmitsEmptyLocation(t *testing.T) {
	r, err := CompileTemplates(DefaultPolicy())
	require.NoError(t, err)

	appt := Appointment{ID: "a", Date: time.Date(2026, 11, 3, 14, 30, 0, 0, time.UTC)}
	msg, err := r.Patient(Type24h, appt, Patient{FirstName: "Yanis"})
	require.NoError(t, err)

	assert.Equal(t, "Hello Yanis, you have a medical appointment tomorrow, Tuesday 3 November 2026 at 14:30.", msg.Body)
}

func TestRendererUsesPolicyTimeZone(t *testing.T) {
	policy := DefaultPolicy()
	policy.TimeZone = "Africa/Algiers"
	r, err := CompileTemplates(policy)
	require.NoError(t, err)
	if r.loc == time.UTC {
		t.Skip("tzdata not available")
	}

	appt := Appointment{Date: time.Date(2026, 11, 3, 14, 30, 0, 0, time.UTC), Kind: "dental"}
	msg, _, err := r.Doctor(Type2h, appt, Patient{FirstName: "Lina", LastName: "Haddad"})
	require.NoError(t, err)

	assert.Equal(t, "dental appointment in 2h - Tuesday 3 November 2026 at 15:30", msg.Body)
}

func TestRendererDoctorNoticeDisabled(t *testing.T) {
	policy := DefaultPolicy()
	policy.DoctorNotice = false
	r, err := CompileTemplates(policy)
	require.NoError(t, err)

	_, ok, err := r.Doctor(Type15min, Appointment{}, Patient{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRendererUnknownType(t *testing.T) {
	r, err := CompileTemplates(DefaultPolicy())
	require.NoError(t, err)

	_, err = r.Patient(Type("1w"), Appointment{}, Patient{})
	assert.Error(t, err)
}

func TestSwappedTemplates(t *testing.T) {
	policy := DefaultPolicy()
	policy.Templates.Before15min = Template{Title: "RDV", Body: "Bonjour {{.FirstName}}, votre rendez-vous commence dans 15 minutes."}
	r, err := CompileTemplates(policy)
	require.NoError(t, err)

	msg, err := r.Patient(Type15min, Appointment{}, Patient{FirstName: "Sara"})
	require.NoError(t, err)
	assert.Equal(t, "RDV", msg.Title)
	assert.Equal(t, "Bonjour Sara, votre rendez-vous commence dans 15 minutes.", msg.Body)
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	bad := DefaultPolicy()
	bad.DefaultChannel = "fax"
	bad.Templates.Before24h.Body = ""
	bad.TimeZone = "Mars/Olympus"

	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_channel")
	assert.Contains(t, err.Error(), "template 24h")
	assert.Contains(t, err.Error(), "time_zone")
}
