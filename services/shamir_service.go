package services

import (
	"context"

	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
	"github.com/parsec-cloud/go-parsec-server/util"
)

type ShamirService struct {
	store  repository.Store
	events *EventService
}

func NewShamirService(store repository.Store, events *EventService) *ShamirService {
	if store == nil {
		panic("store cannot be nil")
	}
	if events == nil {
		panic("events cannot be nil")
	}
	return &ShamirService{store: store, events: events}
}

// Setup registers the author's shamir recovery: one brief certificate plus
// one share certificate per recipient, all sharing the brief timestamp.
func (ss *ShamirService) Setup(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.ShamirRecoverySetupRequest, now types.Timestamp) error {
	author, err := loadAuthor(ctx, ss.store, org, authorDevice)
	if err != nil {
		return err
	}
	cert, err := util.VerifyCertificate(author.Device.VerifyKey, req.BriefCertificate, author.Device.ID)
	if err != nil {
		return err
	}
	brief, ok := cert.(types.ShamirRecoveryBriefCertificate)
	if !ok {
		return types.ErrInvalidCertificate
	}
	if brief.UserID != author.User.ID {
		return types.ErrInvalidCertificate
	}
	if brief.Threshold < 1 || len(brief.PerRecipientShares) == 0 {
		return types.ErrInvalidCertificate
	}
	var totalShares int
	for recipient, shares := range brief.PerRecipientShares {
		if shares == 0 || recipient == author.User.ID {
			return types.ErrInvalidCertificate
		}
		totalShares += int(shares)
	}
	if int(brief.Threshold) > totalShares {
		return types.ErrInvalidCertificate
	}

	// every recipient gets exactly one share certificate, and none besides
	seen := make(map[types.UserID]bool, len(req.ShareCertificates))
	shareCerts := make(map[types.UserID][]byte, len(req.ShareCertificates))
	for _, raw := range req.ShareCertificates {
		sCert, sErr := util.VerifyCertificate(author.Device.VerifyKey, raw, author.Device.ID)
		if sErr != nil {
			return sErr
		}
		share, sOk := sCert.(types.ShamirRecoveryShareCertificate)
		if !sOk {
			return types.ErrInvalidCertificate
		}
		if share.UserID != brief.UserID || share.Timestamp != brief.Timestamp {
			return types.ErrInvalidCertificate
		}
		if _, expected := brief.PerRecipientShares[share.RecipientID]; !expected || seen[share.RecipientID] {
			return types.ErrInvalidCertificate
		}
		seen[share.RecipientID] = true
		shareCerts[share.RecipientID] = raw
	}
	if len(seen) != len(brief.PerRecipientShares) {
		return types.ErrInvalidCertificate
	}
	for recipient := range brief.PerRecipientShares {
		user, uErr := ss.store.Users().Get(ctx, org, recipient)
		if uErr != nil {
			return uErr
		}
		if user.IsRevoked() {
			return types.ErrUserAlreadyRevoked
		}
	}
	if err := util.CheckBallpark(brief.Timestamp, now); err != nil {
		return err
	}

	data := repository.CreateShamirSetup{
		Setup: repository.ShamirSetup{
			UserID:            brief.UserID,
			CreatedOn:         brief.Timestamp,
			Threshold:         brief.Threshold,
			Recipients:        brief.PerRecipientShares,
			CipheredData:      req.CipheredData,
			RevealToken:       req.RevealToken,
			BriefCertificate:  req.BriefCertificate,
			ShareCertificates: shareCerts,
		},
		Author:            author.Device.ID,
		BriefCertificate:  req.BriefCertificate,
		ShareCertificates: req.ShareCertificates,
		Timestamp:         brief.Timestamp,
	}
	if err := ss.store.Shamir().Create(ctx, org, data); err != nil {
		return err
	}
	recipients := make([]types.UserID, 0, len(brief.PerRecipientShares)+1)
	recipients = append(recipients, brief.UserID)
	for recipient := range brief.PerRecipientShares {
		recipients = append(recipients, recipient)
	}
	ss.events.Publish(org, types.EventShamirRecoveryCertificate{
		UserID:     brief.UserID,
		Timestamp:  brief.Timestamp,
		Recipients: recipients,
	})
	return nil
}

// Delete retires the author's shamir recovery and cancels any open recovery
// invitation that relied on it.
func (ss *ShamirService) Delete(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.ShamirRecoveryDeleteRequest, now types.Timestamp) error {
	author, err := loadAuthor(ctx, ss.store, org, authorDevice)
	if err != nil {
		return err
	}
	cert, err := util.VerifyCertificate(author.Device.VerifyKey, req.DeletionCertificate, author.Device.ID)
	if err != nil {
		return err
	}
	deletion, ok := cert.(types.ShamirRecoveryDeletionCertificate)
	if !ok {
		return types.ErrInvalidCertificate
	}
	if deletion.UserID != author.User.ID {
		return types.ErrInvalidCertificate
	}
	setup, err := ss.store.Shamir().Get(ctx, org, deletion.UserID)
	if err != nil {
		return err
	}
	if deletion.SetupTimestamp != setup.CreatedOn {
		return types.ErrInvalidCertificate
	}
	if len(deletion.ShareRecipients) != len(setup.Recipients) {
		return types.ErrInvalidCertificate
	}
	for _, recipient := range deletion.ShareRecipients {
		if _, has := setup.Recipients[recipient]; !has {
			return types.ErrInvalidCertificate
		}
	}
	if err := util.CheckBallpark(deletion.Timestamp, now); err != nil {
		return err
	}

	// open recovery invitations for this setup are voided before the setup
	// goes away, since their greeters are derived from it
	if err := ss.cancelRecoveryInvitations(ctx, org, setup, now); err != nil {
		return err
	}

	data := repository.DeleteShamirSetup{
		UserID:              deletion.UserID,
		Author:              author.Device.ID,
		DeletionCertificate: req.DeletionCertificate,
		Timestamp:           deletion.Timestamp,
	}
	if err := ss.store.Shamir().Delete(ctx, org, data); err != nil {
		return err
	}
	recipients := make([]types.UserID, 0, len(setup.Recipients)+1)
	recipients = append(recipients, deletion.UserID)
	for recipient := range setup.Recipients {
		recipients = append(recipients, recipient)
	}
	ss.events.Publish(org, types.EventShamirRecoveryCertificate{
		UserID:     deletion.UserID,
		Timestamp:  deletion.Timestamp,
		Recipients: recipients,
	})
	return nil
}

func (ss *ShamirService) cancelRecoveryInvitations(ctx context.Context, org types.OrganizationID, setup *repository.ShamirSetup, now types.Timestamp) error {
	for recipient := range setup.Recipients {
		invitations, err := ss.store.Invitations().ListForGreeter(ctx, org, recipient)
		if err != nil {
			return err
		}
		for _, inv := range invitations {
			if inv.Type != types.InvitationShamirRecovery ||
				inv.ClaimerUserID == nil || *inv.ClaimerUserID != setup.UserID {
				continue
			}
			if inv.Status == types.InvitationCancelled || inv.Status == types.InvitationFinished {
				continue
			}
			if attempt, aErr := ss.store.Invitations().GetActiveAttempt(ctx, org, inv.Token); aErr == nil && !attempt.IsCancelled() {
				_ = ss.store.Invitations().CancelAttempt(ctx, org, attempt.ID, types.Greeter, types.CancelledReasonNormal, now)
			}
			if err := ss.store.Invitations().SetStatus(ctx, org, inv.Token, types.InvitationCancelled); err != nil {
				return err
			}
			for rec := range setup.Recipients {
				ss.events.Publish(org, types.EventInvitation{Token: inv.Token, Status: types.InvitationCancelled, Greeter: rec})
			}
		}
		// one recipient's listing already covers every recovery invitation
		// of this setup
		break
	}
	return nil
}
