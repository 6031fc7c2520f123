// Package email provides email templates.
package email

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
)

// ActivationInfo carries everything the eSIM activation email needs.
type ActivationInfo struct {
	CustomerEmail  string
	CustomerName   string
	PlanName       string
	OrderNumber    string
	ActivationCode string
	ICCID          string
	QRPayload      string
	Instructions   string
}

const esimActivatedText = `Hi {{if .CustomerName}}{{.CustomerName}}{{else}}there{{end}},

Your eSIM for {{.PlanName}} (order {{.OrderNumber}}) is ready.

Activation code: {{.ActivationCode}}
{{if .ICCID}}ICCID: {{.ICCID}}
{{end}}{{if .QRPayload}}QR payload: {{.QRPayload}}
{{end}}
{{.Instructions}}

Safe travels,
The Tribi team
`

const esimActivatedHTML = `<html>
<body style="font-family: sans-serif; color: #1a1a1a;">
  <h2>Your eSIM is ready</h2>
  <p>Hi {{if .CustomerName}}{{.CustomerName}}{{else}}there{{end}},</p>
  <p>Your eSIM for <strong>{{.PlanName}}</strong> (order {{.OrderNumber}}) is ready to install.</p>
  <table cellpadding="6" style="border-collapse: collapse;">
    <tr><td><strong>Activation code</strong></td><td><code>{{.ActivationCode}}</code></td></tr>
    {{if .ICCID}}<tr><td><strong>ICCID</strong></td><td><code>{{.ICCID}}</code></td></tr>{{end}}
    {{if .QRPayload}}<tr><td><strong>QR payload</strong></td><td><code>{{.QRPayload}}</code></td></tr>{{end}}
  </table>
  <p>{{.Instructions}}</p>
  <p>Safe travels,<br>The Tribi team</p>
</body>
</html>
`

// Renderer provides methods to render email templates.
type Renderer struct {
	templates *template.Template
}

// NewRenderer creates a new email template renderer with built-in templates.
func NewRenderer() (*Renderer, error) {
	tmpl := template.New("email")

	if _, err := tmpl.New("esim_activated_html").Parse(esimActivatedHTML); err != nil {
		return nil, fmt.Errorf("failed to parse HTML template esim_activated: %w", err)
	}
	if _, err := tmpl.New("esim_activated_text").Parse(esimActivatedText); err != nil {
		return nil, fmt.Errorf("failed to parse text template esim_activated: %w", err)
	}

	return &Renderer{templates: tmpl}, nil
}

// RenderActivation renders the eSIM activation email.
func (r *Renderer) RenderActivation(info *ActivationInfo) (*Email, error) {
	var htmlBuf, textBuf bytes.Buffer

	if err := r.templates.ExecuteTemplate(&htmlBuf, "esim_activated_html", info); err != nil {
		return nil, fmt.Errorf("failed to render HTML template: %w", err)
	}
	if err := r.templates.ExecuteTemplate(&textBuf, "esim_activated_text", info); err != nil {
		return nil, fmt.Errorf("failed to render text template: %w", err)
	}

	return &Email{
		To:      info.CustomerEmail,
		Subject: fmt.Sprintf("Your eSIM Is Ready - %s", info.OrderNumber),
		Text:    textBuf.String(),
		HTML:    htmlBuf.String(),
	}, nil
}

// SendEsimActivated sends the activation email. A nil provider is a no-op
// so callers never have to branch on email being configured.
func SendEsimActivated(ctx context.Context, p Provider, info *ActivationInfo) error {
	if p == nil {
		return nil
	}

	renderer, err := NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to create renderer: %w", err)
	}

	email, err := renderer.RenderActivation(info)
	if err != nil {
		return fmt.Errorf("failed to render template: %w", err)
	}

	return p.SendEmail(ctx, email)
}
