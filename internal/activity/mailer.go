package activity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/customerio/go-customerio"
)

type emailSender interface {
	SendEmail(ctx context.Context, req *customerio.SendEmailRequest) (*customerio.SendEmailResponse, error)
}

// MailerConfig configures the customer.io mailer.
type MailerConfig struct {
	APIKey         string
	DeleteTemplate string
	Logger         *slog.Logger
}

// CustomerIOMailer sends transactional emails through customer.io.
type CustomerIOMailer struct {
	deleteTmpl string
	client     emailSender
	logger     *slog.Logger
}

var _ Mailer = (*CustomerIOMailer)(nil)

// NewCustomerIOMailer returns a mailer. Without an API key it logs and skips
// every send.
func NewCustomerIOMailer(conf MailerConfig) *CustomerIOMailer {
	m := &CustomerIOMailer{
		deleteTmpl: conf.DeleteTemplate,
		logger:     conf.Logger,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if conf.APIKey != "" {
		m.client = customerio.NewAPIClient(conf.APIKey)
	}
	return m
}

// SendDeleteConfirmation tells the owner of profile that their data was erased.
func (m *CustomerIOMailer) SendDeleteConfirmation(ctx context.Context, profile Profile) error {
	if m.client == nil {
		m.logger.Debug("skipping email send", "identity", profile.Identity)
		return nil
	}
	req := &customerio.SendEmailRequest{
		To:                     profile.Email,
		TransactionalMessageID: m.deleteTmpl,
		Identifiers: map[string]string{
			"id": profile.Identity,
		},
		MessageData: map[string]interface{}{
			"name": profile.Name,
		},
	}
	if _, err := m.client.SendEmail(ctx, req); err != nil {
		return fmt.Errorf("send delete confirmation: %w", err)
	}
	m.logger.Info("delete confirmation sent", "identity", profile.Identity, "template", m.deleteTmpl)
	return nil
}
