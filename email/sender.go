// Package email defines the outgoing invitation mail surface. Delivery is
// pluggable; the server core only ever talks to the Sender interface.
package email

import (
	"context"

	"github.com/parsec-cloud/go-parsec-server/global"
)

type Invitation struct {
	To               string
	OrganizationID   string
	InvitationURL    string
	GreeterLabel     string
}

type Sender interface {
	SendInvitation(ctx context.Context, invitation Invitation) error
}

// LogSender records the invitation instead of delivering it. Default sender
// when no mail transport is configured.
type LogSender struct{}

func (LogSender) SendInvitation(ctx context.Context, invitation Invitation) error {
	global.Logger.Log("msg", "invitation email (delivery not configured)",
		"to", invitation.To,
		"organization", invitation.OrganizationID,
		"url", invitation.InvitationURL)
	return nil
}
