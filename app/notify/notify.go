// Package notify sends messages about finished jobs and a lost update stream to email and
// webhook destinations.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/umputun/jobsync/app/job"
	"github.com/umputun/jobsync/app/store"
)

//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . Notifier

// Notifier is a single delivery channel, implemented by go-pkgz/notify senders
type Notifier = notify.Notifier

// Params define when and how to notify
type Params struct {
	OnCompleted bool
	OnFailed    bool
	OnGiveUp    bool
	Template    string // optional html/template file for email body
	Host        string // reported host name
	Timeout     time.Duration
	QueueSize   int
}

// SendersParams define destinations
type SendersParams struct {
	SMTP           notify.SMTPParams
	FromEmail      string
	ToEmails       []string
	WebhookURLs    []string
	WebhookHeaders []string
}

// Event is a single notification
type Event struct {
	Subject string
	Job     job.Record // empty for stream events
	Message string
	TS      time.Time
}

// Service delivers notifications. Record implements store.Recorder and only queues events,
// delivery happens in Run.
type Service struct {
	Params
	destinations []Notifier
	fromEmail    string
	toEmails     []string
	webhooks     []string
	tmpl         *template.Template
	queue        chan Event
}

// NewService makes notification service, returns nil if no destinations configured
func NewService(p Params, sp SendersParams) *Service {
	if len(sp.ToEmails) == 0 && len(sp.WebhookURLs) == 0 {
		return nil
	}
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	if p.QueueSize <= 0 {
		p.QueueSize = 100
	}
	if p.Host == "" {
		p.Host = os.Getenv("MHOST")
	}

	res := &Service{Params: p, fromEmail: sp.FromEmail, toEmails: sp.ToEmails, webhooks: sp.WebhookURLs,
		queue: make(chan Event, p.QueueSize)}
	if len(sp.ToEmails) > 0 {
		smtpParams := sp.SMTP
		if smtpParams.ContentType == "" {
			smtpParams.ContentType = "text/html"
		}
		if smtpParams.TimeOut == 0 {
			smtpParams.TimeOut = p.Timeout
		}
		res.destinations = append(res.destinations, notify.NewEmail(smtpParams))
	}
	if len(sp.WebhookURLs) > 0 {
		res.destinations = append(res.destinations,
			notify.NewWebhook(notify.WebhookParams{Timeout: p.Timeout, Headers: sp.WebhookHeaders}))
	}
	res.tmpl = res.loadTemplate()
	log.Printf("[INFO] notifications enabled, emails: %v, webhooks: %d", sp.ToEmails, len(sp.WebhookURLs))
	return res
}

// Record queues a notification for jobs entering a terminal status. Seeded history and
// jobs first seen already finished are not reported.
func (s *Service) Record(ch store.Change) {
	if ch.Kind != store.ChangeUpdated || ch.Before.Status.IsTerminal() || !ch.After.Status.IsTerminal() {
		return
	}
	switch ch.After.Status {
	case job.StatusCompleted:
		if !s.OnCompleted {
			return
		}
		s.enqueue(Event{Subject: "job completed", Job: ch.After, TS: time.Now()})
	case job.StatusFailed:
		if !s.OnFailed {
			return
		}
		s.enqueue(Event{Subject: "job failed", Job: ch.After, Message: ch.After.Error, TS: time.Now()})
	}
}

// GiveUp queues a notification about the update stream giving up reconnecting
func (s *Service) GiveUp(err error) {
	if !s.OnGiveUp {
		return
	}
	s.enqueue(Event{Subject: "update stream lost", Message: err.Error(), TS: time.Now()})
}

func (s *Service) enqueue(ev Event) {
	select {
	case s.queue <- ev:
	default:
		log.Printf("[WARN] notification queue full, dropping %q", ev.Subject)
	}
}

// Run delivers queued notifications until ctx is done. A delivery in progress is not interrupted
// by ctx cancellation, only by Timeout.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.queue:
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Timeout)
			if err := s.Notify(sendCtx, ev); err != nil {
				log.Printf("[WARN] failed to notify %q, %v", ev.Subject, err)
			}
			cancel()
		}
	}
}

// Flush delivers events still queued, used on shutdown after Run has stopped
func (s *Service) Flush(ctx context.Context) {
	for {
		select {
		case ev := <-s.queue:
			if err := s.Notify(ctx, ev); err != nil {
				log.Printf("[WARN] failed to notify %q, %v", ev.Subject, err)
			}
		default:
			return
		}
	}
}

// Notify sends event to all destinations, html body to emails and a single line to webhooks
func (s *Service) Notify(ctx context.Context, ev Event) error {
	var errs []error
	if len(s.toEmails) > 0 {
		body, err := s.MakeHTML(ev)
		if err != nil {
			return fmt.Errorf("failed to make message: %w", err)
		}
		if err := s.Send(ctx, ev.Subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	for _, wh := range s.webhooks {
		if err := notify.Send(ctx, s.destinations, wh, s.MakeText(ev)); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", wh, err))
		}
	}
	return errors.Join(errs...)
}

// Send email with given subject and text
func (s *Service) Send(ctx context.Context, subj, text string) error {
	dest := fmt.Sprintf("mailto:%s?from=%s&subject=%s", strings.Join(s.toEmails, ","),
		url.QueryEscape(s.fromEmail), url.QueryEscape(subj))
	return notify.Send(ctx, s.destinations, dest, text)
}

// MakeText makes single line message
func (s *Service) MakeText(ev Event) string {
	parts := []string{ev.Subject}
	if ev.Job.ID != "" {
		parts = append(parts, fmt.Sprintf("job %s %q", ev.Job.ID, ev.Job.Prompt))
		if d := ev.Job.Elapsed(); d > 0 {
			parts = append(parts, "took "+d.Round(time.Second).String())
		}
	}
	if ev.Message != "" {
		parts = append(parts, ev.Message)
	}
	if s.Host != "" {
		parts = append(parts, "on "+s.Host)
	}
	return strings.Join(parts, ", ")
}

// MakeHTML makes email body
func (s *Service) MakeHTML(ev Event) (string, error) {
	data := struct {
		Event
		Host     string
		Duration string
	}{Event: ev, Host: s.Host}
	if d := ev.Job.Elapsed(); d > 0 {
		data.Duration = d.Round(time.Second).String()
	}
	buf := bytes.Buffer{}
	if err := s.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

// loadTemplate returns custom template if set and valid, default otherwise
func (s *Service) loadTemplate() *template.Template {
	def := template.Must(template.New("msg").Parse(defaultTemplate))
	if s.Template == "" {
		return def
	}
	t, err := template.ParseFiles(s.Template)
	if err != nil {
		log.Printf("[WARN] can't use template %s, fallback to default, %v", s.Template, err)
		return def
	}
	return t
}

const defaultTemplate = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			pre {
				padding: 0.6em;
				font-size: 0.7em;
				background-color: #E8E2A0;
				font-family: "Menlo";
				white-space: pre-wrap;
				word-wrap: break-word;
			}
			.bold {
				color: #882828;
				font-weight: 900;
			}
		</style>
	</head>
	<body>
		<p>{{.Subject}}{{if .Host}} on <span class="bold">{{.Host}}</span>{{end}} at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		{{if .Job.ID}}<ul>
			<li>Job: <span class="bold">{{.Job.ID}}</span></li>
			<li>Prompt: <span class="bold">{{.Job.Prompt}}</span></li>
			<li>Status: <span class="bold">{{.Job.Status}}</span></li>
			{{if .Duration}}<li>Duration: {{.Duration}}</li>{{end}}
			{{if .Job.VideoPath}}<li>Video: {{.Job.VideoPath}}</li>{{end}}
		</ul>{{end}}
		{{if .Message}}<pre>
{{.Message}}
		</pre>{{end}}
	</body>
</html>
`
