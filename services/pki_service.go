package services

import (
	"context"

	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
)

type PkiService struct {
	store     repository.Store
	events    *EventService
	validator types.PkiCertificateValidator
}

func NewPkiService(store repository.Store, events *EventService, validator types.PkiCertificateValidator) *PkiService {
	if store == nil {
		panic("store cannot be nil")
	}
	if events == nil {
		panic("events cannot be nil")
	}
	if validator == nil {
		validator = types.AcceptAllValidator{}
	}
	return &PkiService{store: store, events: events, validator: validator}
}

// Submit registers an enrollment request from an anonymous client holding
// an X.509 certificate.
func (ps *PkiService) Submit(ctx context.Context, org types.OrganizationID, req *types.PkiEnrollmentSubmitRequest, now types.Timestamp) (types.Timestamp, error) {
	organization, err := ps.store.Organizations().Get(ctx, org)
	if err != nil {
		return 0, err
	}
	if organization.IsExpired {
		return 0, types.ErrOrganizationExpired
	}
	if err := ps.validator.VerifyPayload(req.SubmitterDerX509, req.SubmitPayload, req.SubmitPayloadSignature); err != nil {
		return 0, err
	}
	enrollment := &types.PkiEnrollment{
		ID:                     req.EnrollmentID,
		SubmittedOn:            now,
		State:                  types.PkiEnrollmentSubmitted,
		DerX509Certificate:     req.SubmitterDerX509,
		SubmitPayload:          req.SubmitPayload,
		SubmitPayloadSignature: req.SubmitPayloadSignature,
	}
	if err := ps.store.PkiEnrollments().Submit(ctx, org, enrollment, req.Force); err != nil {
		return 0, err
	}
	ps.events.Publish(org, types.EventPkiEnrollment{EnrollmentID: req.EnrollmentID})
	return now, nil
}

// Info is the anonymous polling endpoint for a submitted enrollment.
func (ps *PkiService) Info(ctx context.Context, org types.OrganizationID, id types.EnrollmentID) (*types.PkiEnrollmentInfoResponse, error) {
	enrollment, err := ps.store.PkiEnrollments().Get(ctx, org, id)
	if err != nil {
		return nil, err
	}
	return &types.PkiEnrollmentInfoResponse{
		State:                  enrollment.State,
		SubmittedOn:            enrollment.SubmittedOn,
		AnsweredOn:             enrollment.AnsweredOn,
		AcceptPayload:          enrollment.AcceptPayload,
		AcceptPayloadSignature: enrollment.AcceptPayloadSignature,
	}, nil
}

// List returns the pending enrollments for review. ADMIN only.
func (ps *PkiService) List(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID) ([]types.PkiEnrollmentItem, error) {
	author, err := loadAuthor(ctx, ps.store, org, authorDevice)
	if err != nil {
		return nil, err
	}
	if err := author.requireAdmin(); err != nil {
		return nil, err
	}
	enrollments, err := ps.store.PkiEnrollments().ListSubmitted(ctx, org)
	if err != nil {
		return nil, err
	}
	items := make([]types.PkiEnrollmentItem, 0, len(enrollments))
	for _, enrollment := range enrollments {
		items = append(items, types.PkiEnrollmentItem{
			EnrollmentID:           enrollment.ID,
			SubmittedOn:            enrollment.SubmittedOn,
			SubmitterDerX509:       enrollment.DerX509Certificate,
			SubmitPayload:          enrollment.SubmitPayload,
			SubmitPayloadSignature: enrollment.SubmitPayloadSignature,
		})
	}
	return items, nil
}

// Accept onboards the enrolled user atomically with the acceptance answer.
// ADMIN only.
func (ps *PkiService) Accept(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.PkiEnrollmentAcceptRequest, now types.Timestamp) error {
	author, err := loadAuthor(ctx, ps.store, org, authorDevice)
	if err != nil {
		return err
	}
	if err := author.requireAdmin(); err != nil {
		return err
	}
	if err := ps.validator.VerifyPayload(req.AccepterDerX509, req.AcceptPayload, req.AcceptPayloadSignature); err != nil {
		return err
	}
	user, err := verifyCreateUserCertificates(author, req.UserCertificate, req.DeviceCertificate,
		req.RedactedUserCertificate, req.RedactedDeviceCertificate, now)
	if err != nil {
		return err
	}
	data := repository.AcceptPkiEnrollment{
		ID:                     req.EnrollmentID,
		AnsweredOn:             now,
		AccepterDerX509:        req.AccepterDerX509,
		AcceptPayload:          req.AcceptPayload,
		AcceptPayloadSignature: req.AcceptPayloadSignature,
		User:                   *user,
	}
	if err := ps.store.PkiEnrollments().Accept(ctx, org, data); err != nil {
		return err
	}
	ps.events.Publish(org, types.EventCommonCertificate{Timestamp: user.Timestamp})
	ps.events.Publish(org, types.EventPkiEnrollment{EnrollmentID: req.EnrollmentID})
	return nil
}

// Reject closes the enrollment without onboarding. ADMIN only.
func (ps *PkiService) Reject(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, id types.EnrollmentID, now types.Timestamp) error {
	author, err := loadAuthor(ctx, ps.store, org, authorDevice)
	if err != nil {
		return err
	}
	if err := author.requireAdmin(); err != nil {
		return err
	}
	if err := ps.store.PkiEnrollments().Reject(ctx, org, id, now); err != nil {
		return err
	}
	ps.events.Publish(org, types.EventPkiEnrollment{EnrollmentID: id})
	return nil
}
