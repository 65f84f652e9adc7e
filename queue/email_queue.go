package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/parsec-cloud/go-parsec-server/email"
	"github.com/parsec-cloud/go-parsec-server/global"
	"github.com/parsec-cloud/go-parsec-server/types"
)

// EmailQueue processes outgoing invitation emails enqueued by the invite
// service, keeping SMTP latency out of the request path.
type EmailQueue struct {
	sender email.Sender
}

func NewEmailQueue(sender email.Sender) *EmailQueue {
	if sender == nil {
		sender = email.LogSender{}
	}
	return &EmailQueue{sender: sender}
}

func (eq *EmailQueue) ProcessInvitationEmailTask(ctx context.Context, t *asynq.Task) error {
	var task types.InvitationEmailTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		global.Logger.Log("msg", "invalid invitation email task payload", "err", err)
		return fmt.Errorf("json unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	invitation := email.Invitation{
		To:             task.To,
		OrganizationID: string(task.Organization),
		InvitationURL:  InvitationURL(task.Organization, task.Token),
		GreeterLabel:   task.GreeterLabel,
	}
	if err := eq.sender.SendInvitation(ctx, invitation); err != nil {
		global.Logger.Log("msg", "invitation email delivery failed", "to", task.To, "err", err)
		return err
	}
	return nil
}

// InvitationURL builds the claim link embedded in invitation emails.
func InvitationURL(org types.OrganizationID, token types.InvitationToken) string {
	base := global.Conf.Org.InvitationBaseURL
	if base == "" {
		base = fmt.Sprintf("%s://%s:%d", global.Conf.Scheme, global.Conf.Host, global.Conf.Port)
	}
	return fmt.Sprintf("%s/%s?action=claim&token=%s", base, org, token.String())
}
