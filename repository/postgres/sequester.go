package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
)

type sequesterRepo struct{ db *DB }

func (r *sequesterRepo) List(ctx context.Context, org types.OrganizationID) ([]*types.SequesterService, error) {
	const q = `
SELECT id, type, label, created_on, revoked_on, webhook_url, encryption_key_der
FROM sequester_services WHERE organization_id=$1 ORDER BY created_on`
	rows, err := r.db.Pool.Query(ctx, q, org)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.SequesterService
	for rows.Next() {
		var svc types.SequesterService
		var webhookURL *string
		if err := rows.Scan(&svc.ID, &svc.Type, &svc.Label, &svc.CreatedOn, &svc.RevokedOn, &webhookURL, &svc.EncryptionKeyDer); err != nil {
			return nil, err
		}
		if webhookURL != nil {
			svc.WebhookURL = *webhookURL
		}
		out = append(out, &svc)
	}
	return out, rows.Err()
}

func (r *sequesterRepo) Create(ctx context.Context, org types.OrganizationID, data repository.CreateSequesterService) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		const orgQ = `SELECT is_sequestered FROM organizations WHERE id=$1`
		var sequestered bool
		if err := tx.QueryRow(ctx, orgQ, org).Scan(&sequestered); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return types.ErrOrganizationNotFound
			}
			return err
		}
		if !sequestered {
			return types.ErrSequesterDisabled
		}
		last, err := lockTopic(ctx, tx, org, types.SequesterTopic())
		if err != nil {
			return err
		}
		entry := repository.StoredCertificate{
			Type:      types.CertTypeSequesterService,
			Timestamp: data.Timestamp,
			Signed:    data.Certificate,
		}
		if err := appendCertificates(ctx, tx, org, types.SequesterTopic(), last, data.Timestamp, entry); err != nil {
			return err
		}
		var webhookURL *string
		if data.Service.WebhookURL != "" {
			webhookURL = &data.Service.WebhookURL
		}
		const ins = `
INSERT INTO sequester_services (organization_id, id, type, label, created_on, webhook_url, encryption_key_der)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
		_, err = tx.Exec(ctx, ins, org, data.Service.ID, data.Service.Type, data.Service.Label,
			data.Service.CreatedOn, webhookURL, data.Service.EncryptionKeyDer)
		if isUniqueViolation(err) {
			return types.ErrSequesterServiceAlreadyExists
		}
		return err
	})
}

func (r *sequesterRepo) Revoke(ctx context.Context, org types.OrganizationID, data repository.RevokeSequesterService) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		last, err := lockTopic(ctx, tx, org, types.SequesterTopic())
		if err != nil {
			return err
		}
		const sel = `
SELECT revoked_on FROM sequester_services WHERE organization_id=$1 AND id=$2 FOR UPDATE`
		var revokedOn types.Timestamp
		if err := tx.QueryRow(ctx, sel, org, data.ServiceID).Scan(&revokedOn); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return types.ErrSequesterServiceNotFound
			}
			return err
		}
		if !revokedOn.IsZero() {
			return types.ErrSequesterServiceRevoked
		}
		entry := repository.StoredCertificate{
			Type:      types.CertTypeSequesterRevokedService,
			Timestamp: data.Timestamp,
			Signed:    data.Certificate,
		}
		if err := appendCertificates(ctx, tx, org, types.SequesterTopic(), last, data.Timestamp, entry); err != nil {
			return err
		}
		const upd = `UPDATE sequester_services SET revoked_on=$3 WHERE organization_id=$1 AND id=$2`
		_, err = tx.Exec(ctx, upd, org, data.ServiceID, data.Timestamp)
		return err
	})
}

// ---- pki enrollments ----

type pkiRepo struct{ db *DB }

const enrollmentColumns = `
id, submitted_on, state, der_x509_certificate, submit_payload, submit_payload_signature,
answered_on, accept_payload, accept_payload_signature`

func scanEnrollment(row pgx.Row) (*types.PkiEnrollment, error) {
	var e types.PkiEnrollment
	err := row.Scan(&e.ID, &e.SubmittedOn, &e.State, &e.DerX509Certificate,
		&e.SubmitPayload, &e.SubmitPayloadSignature, &e.AnsweredOn,
		&e.AcceptPayload, &e.AcceptPayloadSignature)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrEnrollmentNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *pkiRepo) Submit(ctx context.Context, org types.OrganizationID, enrollment *types.PkiEnrollment, force bool) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		const sameCert = `
SELECT id FROM pki_enrollments
WHERE organization_id=$1 AND state='SUBMITTED' AND der_x509_certificate=$2
FOR UPDATE`
		rows, err := tx.Query(ctx, sameCert, org, enrollment.DerX509Certificate)
		if err != nil {
			return err
		}
		var pending []types.EnrollmentID
		for rows.Next() {
			var id types.EnrollmentID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			pending = append(pending, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(pending) > 0 && !force {
			return types.ErrEnrollmentAlreadySubmitted
		}
		for _, id := range pending {
			const cancel = `
UPDATE pki_enrollments SET state='CANCELLED', answered_on=$3
WHERE organization_id=$1 AND id=$2`
			if _, err := tx.Exec(ctx, cancel, org, id, enrollment.SubmittedOn); err != nil {
				return err
			}
		}
		const ins = `
INSERT INTO pki_enrollments
  (organization_id, id, submitted_on, state, der_x509_certificate, submit_payload, submit_payload_signature)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
		_, err = tx.Exec(ctx, ins, org, enrollment.ID, enrollment.SubmittedOn, enrollment.State,
			enrollment.DerX509Certificate, enrollment.SubmitPayload, enrollment.SubmitPayloadSignature)
		if isUniqueViolation(err) {
			return types.ErrEnrollmentAlreadySubmitted
		}
		return err
	})
}

func (r *pkiRepo) Get(ctx context.Context, org types.OrganizationID, id types.EnrollmentID) (*types.PkiEnrollment, error) {
	const q = `SELECT ` + enrollmentColumns + ` FROM pki_enrollments WHERE organization_id=$1 AND id=$2`
	return scanEnrollment(r.db.Pool.QueryRow(ctx, q, org, id))
}

func (r *pkiRepo) ListSubmitted(ctx context.Context, org types.OrganizationID) ([]*types.PkiEnrollment, error) {
	const q = `
SELECT ` + enrollmentColumns + ` FROM pki_enrollments
WHERE organization_id=$1 AND state='SUBMITTED' ORDER BY submitted_on`
	rows, err := r.db.Pool.Query(ctx, q, org)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.PkiEnrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// lockEnrollment fetches an enrollment FOR UPDATE and requires it to still
// be pending.
func lockEnrollment(ctx context.Context, tx pgx.Tx, org types.OrganizationID, id types.EnrollmentID) error {
	const q = `SELECT state FROM pki_enrollments WHERE organization_id=$1 AND id=$2 FOR UPDATE`
	var state types.PkiEnrollmentState
	if err := tx.QueryRow(ctx, q, org, id).Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.ErrEnrollmentNotFound
		}
		return err
	}
	if state != types.PkiEnrollmentSubmitted {
		return types.ErrEnrollmentNoLongerAvailable
	}
	return nil
}

func (r *pkiRepo) Accept(ctx context.Context, org types.OrganizationID, data repository.AcceptPkiEnrollment) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockEnrollment(ctx, tx, org, data.ID); err != nil {
			return err
		}
		last, err := lockTopic(ctx, tx, org, types.CommonTopic())
		if err != nil {
			return err
		}
		user := data.User
		if user.User.HumanHandle != nil {
			var taken bool
			const q = `
SELECT EXISTS (SELECT 1 FROM users WHERE organization_id=$1 AND human_email=$2 AND revoked_on=0)`
			if err := tx.QueryRow(ctx, q, org, user.User.HumanHandle.Email).Scan(&taken); err != nil {
				return err
			}
			if taken {
				return types.ErrHumanHandleAlreadyTaken
			}
		}
		if user.ActiveUsersLimit != nil {
			var active int
			const q = `SELECT count(*) FROM users WHERE organization_id=$1 AND revoked_on=0`
			if err := tx.QueryRow(ctx, q, org).Scan(&active); err != nil {
				return err
			}
			if active >= *user.ActiveUsersLimit {
				return types.ErrActiveUsersLimitReached
			}
		}
		author := user.Author
		entries := []repository.StoredCertificate{
			{Type: types.CertTypeUser, Author: &author, Timestamp: user.Timestamp, Signed: user.UserCertificate, RedactedSigned: user.RedactedUserCertificate},
			{Type: types.CertTypeDevice, Author: &author, Timestamp: user.Timestamp, Signed: user.DeviceCertificate, RedactedSigned: user.RedactedDeviceCertificate},
		}
		if err := appendCertificates(ctx, tx, org, types.CommonTopic(), last, user.Timestamp, entries...); err != nil {
			return err
		}
		if err := insertUser(ctx, tx, org, user.User); err != nil {
			return err
		}
		if err := insertDevice(ctx, tx, org, user.Device); err != nil {
			return err
		}
		const upd = `
UPDATE pki_enrollments
SET state='ACCEPTED', answered_on=$3, accept_payload=$4, accept_payload_signature=$5
WHERE organization_id=$1 AND id=$2`
		_, err = tx.Exec(ctx, upd, org, data.ID, data.AnsweredOn, data.AcceptPayload, data.AcceptPayloadSignature)
		return err
	})
}

func (r *pkiRepo) Reject(ctx context.Context, org types.OrganizationID, id types.EnrollmentID, answeredOn types.Timestamp) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockEnrollment(ctx, tx, org, id); err != nil {
			return err
		}
		const upd = `
UPDATE pki_enrollments SET state='REJECTED', answered_on=$3
WHERE organization_id=$1 AND id=$2`
		_, err := tx.Exec(ctx, upd, org, id, answeredOn)
		return err
	})
}
