package mailer

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPGateway submits raw messages to an SMTP server. When credentials are
// configured the connection is upgraded with STARTTLS before PLAIN
// authentication.
type SMTPGateway struct {
	serverAddress string
	username      string
	password      string
}

// NewSMTPGateway creates a gateway for the given server address
// (host:port).
func NewSMTPGateway(serverAddress string, username string, password string) *SMTPGateway {
	return &SMTPGateway{
		serverAddress: strings.TrimSpace(serverAddress),
		username:      strings.TrimSpace(username),
		password:      password,
	}
}

func (gateway *SMTPGateway) Send(ctx context.Context, from string, to string, rawMessage string) error {
	client, dialErr := gateway.dial()
	if dialErr != nil {
		return fmt.Errorf("connect to smtp server: %w", dialErr)
	}
	defer func() {
		_ = client.Close()
	}()

	if gateway.username != "" {
		if authErr := client.Auth(sasl.NewPlainClient("", gateway.username, gateway.password)); authErr != nil {
			return fmt.Errorf("smtp authentication: %w", authErr)
		}
	}

	if sendErr := client.SendMail(from, []string{to}, strings.NewReader(rawMessage)); sendErr != nil {
		return fmt.Errorf("send mail: %w", sendErr)
	}

	return client.Quit()
}

func (gateway *SMTPGateway) dial() (*smtp.Client, error) {
	if gateway.username != "" {
		return smtp.DialStartTLS(gateway.serverAddress, nil)
	}
	return smtp.Dial(gateway.serverAddress)
}
