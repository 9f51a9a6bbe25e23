package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"gopkg.in/gomail.v2"
)

const dateDisplayLayout = "Monday, January 2, 2006"

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Mailer sends one or more prepared messages. *gomail.Dialer satisfies it.
type Mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier renders appointment emails and hands them to an SMTP relay.
type EmailNotifier struct {
	mailer Mailer
	from   string
}

func NewEmailNotifier(cfg SMTPConfig) *EmailNotifier {
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		from = "Voidstone Studio <no-reply@voidstone.studio>"
	}
	d := gomail.NewDialer(strings.TrimSpace(cfg.Host), cfg.Port, cfg.Username, cfg.Password)
	return &EmailNotifier{mailer: d, from: from}
}

func newEmailNotifierWithMailer(m Mailer, from string) *EmailNotifier {
	return &EmailNotifier{mailer: m, from: from}
}

func (n *EmailNotifier) AppointmentBooked(ctx context.Context, d Details) error {
	var msgs []*gomail.Message
	if d.CustomerEmail != "" {
		m, err := n.message(d.CustomerEmail, "Appointment Request Received - Voidstone Studio", customerBookedTmpl, d)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	if d.AdminEmail != "" {
		m, err := n.message(d.AdminEmail, "New Appointment Request - "+d.CustomerName, adminBookedTmpl, d)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	return n.send(ctx, msgs)
}

func (n *EmailNotifier) AppointmentConfirmed(ctx context.Context, d Details) error {
	if d.CustomerEmail == "" {
		return nil
	}
	m, err := n.message(d.CustomerEmail, "Appointment Confirmed - Voidstone Studio", customerConfirmedTmpl, d)
	if err != nil {
		return err
	}
	return n.send(ctx, []*gomail.Message{m})
}

func (n *EmailNotifier) message(to, subject string, tmpl *template.Template, d Details) (*gomail.Message, error) {
	var body bytes.Buffer
	if err := tmpl.Execute(&body, emailView{Details: d, DateDisplay: d.Date.UTC().Format(dateDisplayLayout)}); err != nil {
		return nil, fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body.String())
	return m, nil
}

// send runs the SMTP exchange in the background so ctx bounds how long the
// caller waits; gomail has no context support of its own.
func (n *EmailNotifier) send(ctx context.Context, msgs []*gomail.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- n.mailer.DialAndSend(msgs...) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send email: %w", ctx.Err())
	}
}

type emailView struct {
	Details
	DateDisplay string
}

var customerBookedTmpl = template.Must(template.New("customer_booked").Parse(`
<p>Dear {{.CustomerName}},</p>
<p>Thank you for booking with Voidstone Studio. We have received your appointment request.</p>
<ul>
	<li><strong>Date:</strong> {{.DateDisplay}}</li>
	<li><strong>Time:</strong> {{.TimeSlot}}</li>
	<li><strong>Type:</strong> {{.ConsultationType}}</li>
	<li><strong>Status:</strong> {{.Status}}</li>
</ul>
<p>We will confirm your appointment shortly.</p>
<p>Voidstone Studio</p>
`))

var adminBookedTmpl = template.Must(template.New("admin_booked").Parse(`
<p>A new appointment request is waiting for confirmation.</p>
<ul>
	<li><strong>Customer:</strong> {{.CustomerName}} ({{.CustomerEmail}})</li>
	{{if .CustomerPhone}}<li><strong>Phone:</strong> {{.CustomerPhone}}</li>{{end}}
	<li><strong>Date:</strong> {{.DateDisplay}}</li>
	<li><strong>Time:</strong> {{.TimeSlot}}</li>
	<li><strong>Type:</strong> {{.ConsultationType}}</li>
	{{if .Notes}}<li><strong>Notes:</strong> {{.Notes}}</li>{{end}}
	<li><strong>Appointment ID:</strong> {{.AppointmentID}}</li>
</ul>
`))

var customerConfirmedTmpl = template.Must(template.New("customer_confirmed").Parse(`
<p>Dear {{.CustomerName}},</p>
<p>Your appointment at Voidstone Studio is confirmed.</p>
<ul>
	<li><strong>Date:</strong> {{.DateDisplay}}</li>
	<li><strong>Time:</strong> {{.TimeSlot}}</li>
	<li><strong>Type:</strong> {{.ConsultationType}}</li>
</ul>
<p>We look forward to seeing you.</p>
<p>Voidstone Studio</p>
`))
