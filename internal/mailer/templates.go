package mailer

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
)

type templatePair struct {
	subject string
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

type templateData struct {
	Username string
	Link     string
	NewEmail string
	OldEmail string
	Minutes  int
}

var (
	verificationTemplate = templatePair{
		subject: "Verify your email address",
		text: texttemplate.Must(texttemplate.New("verification.txt").Parse(
			"Hi {{.Username}},\n\nConfirm your email address to finish creating your account:\n\n{{.Link}}\n\nThe link expires in {{.Minutes}} minutes.\n")),
		html: htmltemplate.Must(htmltemplate.New("verification.html").Parse(
			`<p>Hi {{.Username}},</p><p>Confirm your email address to finish creating your account:</p><p><a href="{{.Link}}">Verify email</a></p><p>The link expires in {{.Minutes}} minutes.</p>`)),
	}
	emailChangeTemplate = templatePair{
		subject: "Confirm your new email address",
		text: texttemplate.Must(texttemplate.New("email_change.txt").Parse(
			"Hi {{.Username}},\n\nConfirm {{.NewEmail}} as the new address for your account:\n\n{{.Link}}\n\nThe link expires in {{.Minutes}} minutes. If you did not ask for this, ignore this email.\n")),
		html: htmltemplate.Must(htmltemplate.New("email_change.html").Parse(
			`<p>Hi {{.Username}},</p><p>Confirm <strong>{{.NewEmail}}</strong> as the new address for your account:</p><p><a href="{{.Link}}">Confirm email change</a></p><p>The link expires in {{.Minutes}} minutes. If you did not ask for this, ignore this email.</p>`)),
	}
	emailChangedTemplate = templatePair{
		subject: "Your email address was changed",
		text: texttemplate.Must(texttemplate.New("email_changed.txt").Parse(
			"Hi {{.Username}},\n\nThe email address on your account was changed from {{.OldEmail}} to {{.NewEmail}}.\n")),
		html: htmltemplate.Must(htmltemplate.New("email_changed.html").Parse(
			`<p>Hi {{.Username}},</p><p>The email address on your account was changed from {{.OldEmail}} to {{.NewEmail}}.</p>`)),
	}
)

func (p templatePair) render(to string, data templateData) (Message, error) {
	var text, html bytes.Buffer
	if err := p.text.Execute(&text, data); err != nil {
		return Message{}, err
	}
	if err := p.html.Execute(&html, data); err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: p.subject, Text: text.String(), HTML: html.String()}, nil
}

// VerificationEmail renders the signup verification message.
func VerificationEmail(to, username, link string, ttl time.Duration) (Message, error) {
	return verificationTemplate.render(to, templateData{Username: username, Link: link, Minutes: minutes(ttl)})
}

// EmailChangeEmail renders the confirmation sent to the requested new address.
func EmailChangeEmail(to, username, link string, ttl time.Duration) (Message, error) {
	return emailChangeTemplate.render(to, templateData{Username: username, Link: link, NewEmail: to, Minutes: minutes(ttl)})
}

// EmailChangedNotice renders the notice sent to the previous address once a change completes.
func EmailChangedNotice(to, username, newEmail string) (Message, error) {
	return emailChangedTemplate.render(to, templateData{Username: username, OldEmail: to, NewEmail: newEmail})
}

// Link joins a base URL, a path and a token query parameter.
func Link(baseURL, path, token string) string {
	return strings.TrimRight(baseURL, "/") + path + "?token=" + token
}

func minutes(ttl time.Duration) int {
	return int(ttl / time.Minute)
}
