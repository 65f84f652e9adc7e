package repository

import (
	"bytes"
	"context"

	"github.com/parsec-cloud/go-parsec-server/types"
)

type memInvitations struct{ s *MemoryStore }

func cloneAttempt(ga *types.GreetingAttempt) *types.GreetingAttempt {
	out := *ga
	out.GreeterSteps = append([][]byte(nil), ga.GreeterSteps...)
	out.ClaimerSteps = append([][]byte(nil), ga.ClaimerSteps...)
	return &out
}

func (m *memInvitations) Create(ctx context.Context, org types.OrganizationID, invitation *types.Invitation) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	inv := *invitation
	o.invitations[inv.Token] = &inv
	o.inviteOrder = append(o.inviteOrder, inv.Token)
	return nil
}

func (m *memInvitations) Get(ctx context.Context, org types.OrganizationID, token types.InvitationToken) (*types.Invitation, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	inv, ok := o.invitations[token]
	if !ok {
		return nil, types.ErrInvitationNotFound
	}
	out := *inv
	return &out, nil
}

func (m *memInvitations) ListForGreeter(ctx context.Context, org types.OrganizationID, user types.UserID) ([]*types.Invitation, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*types.Invitation
	for _, token := range o.inviteOrder {
		inv := o.invitations[token]
		if !o.isGreeter(inv, user) {
			continue
		}
		copied := *inv
		out = append(out, &copied)
	}
	return out, nil
}

// isGreeter: USER and DEVICE invitations are administered by their creator;
// SHAMIR_RECOVERY ones by every recipient holding a share.
func (o *memOrg) isGreeter(inv *types.Invitation, user types.UserID) bool {
	if inv.Type == types.InvitationShamirRecovery {
		if inv.ClaimerUserID == nil {
			return false
		}
		setup, ok := o.shamir[*inv.ClaimerUserID]
		if !ok || !setup.DeletedOn.IsZero() {
			return false
		}
		_, isRecipient := setup.Recipients[user]
		return isRecipient
	}
	return inv.CreatedBy == user
}

func (m *memInvitations) FindActiveByEmail(ctx context.Context, org types.OrganizationID, email string) (*types.Invitation, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, token := range o.inviteOrder {
		inv := o.invitations[token]
		if inv.Type != types.InvitationUser || inv.ClaimerEmail != email {
			continue
		}
		if inv.Status == types.InvitationCancelled || inv.Status == types.InvitationFinished {
			continue
		}
		out := *inv
		return &out, nil
	}
	return nil, types.ErrInvitationNotFound
}

func (m *memInvitations) SetStatus(ctx context.Context, org types.OrganizationID, token types.InvitationToken, status types.InvitationStatus) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	inv, ok := o.invitations[token]
	if !ok {
		return types.ErrInvitationNotFound
	}
	inv.Status = status
	return nil
}

func (m *memInvitations) StartAttempt(ctx context.Context, org types.OrganizationID, token types.InvitationToken, side types.GreeterOrClaimer, id types.GreetingAttemptID, now types.Timestamp) (*types.GreetingAttempt, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.invitations[token]; !ok {
		return nil, types.ErrInvitationNotFound
	}
	if activeID, ok := o.activeAttempt[token]; ok {
		active := o.attempts[activeID]
		if !active.IsCancelled() {
			if !active.Joined(side) {
				active.Join(side, now)
				return cloneAttempt(active), nil
			}
			// rejoining resets the rendezvous for both sides
			active.Cancel(side, types.CancelledReasonNormal, now)
		}
	}
	fresh := &types.GreetingAttempt{ID: id, Token: token}
	fresh.Join(side, now)
	o.attempts[id] = fresh
	o.activeAttempt[token] = id
	return cloneAttempt(fresh), nil
}

func (m *memInvitations) GetAttempt(ctx context.Context, org types.OrganizationID, id types.GreetingAttemptID) (*types.GreetingAttempt, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	ga, ok := o.attempts[id]
	if !ok {
		return nil, types.ErrGreetingAttemptNotFound
	}
	return cloneAttempt(ga), nil
}

func (m *memInvitations) GetActiveAttempt(ctx context.Context, org types.OrganizationID, token types.InvitationToken) (*types.GreetingAttempt, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.activeAttempt[token]
	if !ok {
		return nil, types.ErrGreetingAttemptNotFound
	}
	return cloneAttempt(o.attempts[id]), nil
}

func (m *memInvitations) Step(ctx context.Context, org types.OrganizationID, id types.GreetingAttemptID, side types.GreeterOrClaimer, index int, payload []byte) ([]byte, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	ga, ok := o.attempts[id]
	if !ok {
		return nil, types.ErrGreetingAttemptNotFound
	}
	return ga.Step(side, index, payload)
}

func (m *memInvitations) CancelAttempt(ctx context.Context, org types.OrganizationID, id types.GreetingAttemptID, side types.GreeterOrClaimer, reason types.CancelledGreetingAttemptReason, now types.Timestamp) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	ga, ok := o.attempts[id]
	if !ok {
		return types.ErrGreetingAttemptNotFound
	}
	if ga.IsCancelled() {
		return types.ErrGreetingAttemptAlreadyCancelled
	}
	if !ga.Joined(side) {
		return types.ErrGreetingAttemptNotJoined
	}
	ga.Cancel(side, reason, now)
	return nil
}

func (m *memInvitations) DeleteCancelledAttempts(ctx context.Context, before types.Timestamp) (int, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	removed := 0
	for _, o := range m.s.orgs {
		o.mu.Lock()
		for id, ga := range o.attempts {
			if !ga.IsCancelled() || ga.CancelledOn >= before {
				continue
			}
			delete(o.attempts, id)
			if o.activeAttempt[ga.Token] == id {
				delete(o.activeAttempt, ga.Token)
			}
			removed++
		}
		o.mu.Unlock()
	}
	return removed, nil
}

// ---- shamir ----

type memShamir struct{ s *MemoryStore }

func (m *memShamir) Get(ctx context.Context, org types.OrganizationID, user types.UserID) (*ShamirSetup, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	setup, ok := o.shamir[user]
	if !ok {
		return nil, types.ErrShamirSetupNotFound
	}
	out := *setup
	return &out, nil
}

func (m *memShamir) Create(ctx context.Context, org types.OrganizationID, data CreateShamirSetup) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.shamir[data.Setup.UserID]; ok && existing.DeletedOn.IsZero() {
		return types.ErrShamirSetupAlreadyExists
	}
	topic := types.ShamirTopic(data.Setup.UserID)
	entries := make([]StoredCertificate, 0, 1+len(data.ShareCertificates))
	entries = append(entries, StoredCertificate{
		Topic:     topic,
		Type:      types.CertTypeShamirRecoveryBrief,
		Author:    &data.Author,
		Timestamp: data.Timestamp,
		Signed:    data.BriefCertificate,
	})
	for _, share := range data.ShareCertificates {
		entries = append(entries, StoredCertificate{
			Topic:     topic,
			Type:      types.CertTypeShamirRecoveryShare,
			Author:    &data.Author,
			Timestamp: data.Timestamp,
			Signed:    share,
		})
	}
	if err := o.appendBatch(topic, data.Timestamp, entries...); err != nil {
		return err
	}
	setup := data.Setup
	o.shamir[setup.UserID] = &setup
	return nil
}

func (m *memShamir) Delete(ctx context.Context, org types.OrganizationID, data DeleteShamirSetup) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	setup, ok := o.shamir[data.UserID]
	if !ok || !setup.DeletedOn.IsZero() {
		return types.ErrShamirSetupNotFound
	}
	topic := types.ShamirTopic(data.UserID)
	entry := StoredCertificate{
		Topic:     topic,
		Type:      types.CertTypeShamirRecoveryDeletion,
		Author:    &data.Author,
		Timestamp: data.Timestamp,
		Signed:    data.DeletionCertificate,
	}
	if err := o.appendBatch(topic, data.Timestamp, entry); err != nil {
		return err
	}
	setup.DeletedOn = data.Timestamp
	return nil
}

// ---- sequester ----

type memSequester struct{ s *MemoryStore }

func (m *memSequester) List(ctx context.Context, org types.OrganizationID) ([]*types.SequesterService, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*types.SequesterService, 0, len(o.sequesterOrder))
	for _, id := range o.sequesterOrder {
		svc := *o.sequester[id]
		out = append(out, &svc)
	}
	return out, nil
}

func (m *memSequester) Create(ctx context.Context, org types.OrganizationID, data CreateSequesterService) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.record.IsSequestered {
		return types.ErrSequesterDisabled
	}
	if _, ok := o.sequester[data.Service.ID]; ok {
		return types.ErrSequesterServiceAlreadyExists
	}
	entry := StoredCertificate{
		Topic:     types.SequesterTopic(),
		Type:      types.CertTypeSequesterService,
		Timestamp: data.Timestamp,
		Signed:    data.Certificate,
	}
	if err := o.appendBatch(types.SequesterTopic(), data.Timestamp, entry); err != nil {
		return err
	}
	svc := data.Service
	o.sequester[svc.ID] = &svc
	o.sequesterOrder = append(o.sequesterOrder, svc.ID)
	return nil
}

func (m *memSequester) Revoke(ctx context.Context, org types.OrganizationID, data RevokeSequesterService) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	svc, ok := o.sequester[data.ServiceID]
	if !ok {
		return types.ErrSequesterServiceNotFound
	}
	if svc.IsRevoked() {
		return types.ErrSequesterServiceRevoked
	}
	entry := StoredCertificate{
		Topic:     types.SequesterTopic(),
		Type:      types.CertTypeSequesterRevokedService,
		Timestamp: data.Timestamp,
		Signed:    data.Certificate,
	}
	if err := o.appendBatch(types.SequesterTopic(), data.Timestamp, entry); err != nil {
		return err
	}
	svc.RevokedOn = data.Timestamp
	return nil
}

// ---- pki enrollments ----

type memPkiEnrollments struct{ s *MemoryStore }

func (m *memPkiEnrollments) Submit(ctx context.Context, org types.OrganizationID, enrollment *types.PkiEnrollment, force bool) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.enrollments[enrollment.ID]; ok {
		return types.ErrEnrollmentAlreadySubmitted
	}
	for _, id := range o.enrollmentOrder {
		existing := o.enrollments[id]
		if existing.State != types.PkiEnrollmentSubmitted {
			continue
		}
		if !bytes.Equal(existing.DerX509Certificate, enrollment.DerX509Certificate) {
			continue
		}
		if !force {
			return types.ErrEnrollmentAlreadySubmitted
		}
		existing.State = types.PkiEnrollmentCancelled
		existing.AnsweredOn = enrollment.SubmittedOn
	}
	e := *enrollment
	o.enrollments[e.ID] = &e
	o.enrollmentOrder = append(o.enrollmentOrder, e.ID)
	return nil
}

func (m *memPkiEnrollments) Get(ctx context.Context, org types.OrganizationID, id types.EnrollmentID) (*types.PkiEnrollment, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.enrollments[id]
	if !ok {
		return nil, types.ErrEnrollmentNotFound
	}
	out := *e
	return &out, nil
}

func (m *memPkiEnrollments) ListSubmitted(ctx context.Context, org types.OrganizationID) ([]*types.PkiEnrollment, error) {
	o, err := m.s.org(org)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*types.PkiEnrollment
	for _, id := range o.enrollmentOrder {
		e := o.enrollments[id]
		if e.State != types.PkiEnrollmentSubmitted {
			continue
		}
		copied := *e
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memPkiEnrollments) Accept(ctx context.Context, org types.OrganizationID, data AcceptPkiEnrollment) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.enrollments[data.ID]
	if !ok {
		return types.ErrEnrollmentNotFound
	}
	if e.State != types.PkiEnrollmentSubmitted {
		return types.ErrEnrollmentNoLongerAvailable
	}
	if err := o.createUser(data.User); err != nil {
		return err
	}
	e.State = types.PkiEnrollmentAccepted
	e.AnsweredOn = data.AnsweredOn
	e.AcceptPayload = data.AcceptPayload
	e.AcceptPayloadSignature = data.AcceptPayloadSignature
	return nil
}

func (m *memPkiEnrollments) Reject(ctx context.Context, org types.OrganizationID, id types.EnrollmentID, answeredOn types.Timestamp) error {
	o, err := m.s.org(org)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.enrollments[id]
	if !ok {
		return types.ErrEnrollmentNotFound
	}
	if e.State != types.PkiEnrollmentSubmitted {
		return types.ErrEnrollmentNoLongerAvailable
	}
	e.State = types.PkiEnrollmentRejected
	e.AnsweredOn = answeredOn
	return nil
}
