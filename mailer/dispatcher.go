package mailer

import (
	"context"

	"github.com/mbolis/quick-intake/log"
	"github.com/mbolis/quick-intake/security"
	"github.com/mbolis/quick-intake/settings"
	"go.uber.org/atomic"
)

const defaultAdminTemplate = `<h2>New submission received</h2>
<p>Submitted by: {{submitted_by}}</p>
{{form_data}}`

const defaultUserTemplate = `<h2>Thank you!</h2>
<p>We received your submission and will get back to you soon.</p>
{{form_data}}`

// Dispatcher sends best-effort notification emails after a submission is
// durably stored. Delivery failures are logged as incidents and never
// propagate back to the caller.
type Dispatcher struct {
	settings *settings.Store
	gateway  *security.Gateway
	mailer   Mailer

	Sent   atomic.Int64
	Failed atomic.Int64
}

func NewDispatcher(set *settings.Store, gateway *security.Gateway, mailer Mailer) *Dispatcher {
	return &Dispatcher{settings: set, gateway: gateway, mailer: mailer}
}

// Dispatch renders and sends the configured admin notification and user
// confirmation for one stored submission.
func (d *Dispatcher) Dispatch(ctx context.Context, submissionID string, fields map[string]string, submittedBy string) {
	data := make(map[string]any, len(fields)+2)
	for key, value := range fields {
		data[key] = value
	}
	data["submission_id"] = submissionID
	data["submitted_by"] = submittedBy

	if d.settings.GetBool(ctx, settings.KeyEnableAdminMail) {
		to := d.settings.Get(ctx, settings.KeyAdminRecipient, "")
		if to != "" {
			template := d.settings.Get(ctx, settings.KeyAdminTemplate, defaultAdminTemplate)
			d.send(ctx, to, "New form submission received", ParseTemplate(template, data))
		}
	}

	if d.settings.GetBool(ctx, settings.KeyEnableUserMail) {
		if to := fields["email"]; to != "" {
			template := d.settings.Get(ctx, settings.KeyUserTemplate, defaultUserTemplate)
			d.send(ctx, to, "We received your submission", ParseTemplate(template, data))
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, to, subject, body string) {
	if err := d.mailer.Send(ctx, to, subject, body); err != nil {
		d.Failed.Inc()
		log.Warnf("mail.send: %s", err)
		d.gateway.LogIncident(ctx, security.IncidentMailError,
			"Failed to send email", map[string]string{"error": err.Error()}, "")
		return
	}
	d.Sent.Inc()
}
