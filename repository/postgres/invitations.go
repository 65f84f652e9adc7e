package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
)

type invitationRepo struct{ db *DB }

const invitationColumns = `token, type, created_by, created_on, status, claimer_email, claimer_user_id`

func scanInvitation(row pgx.Row) (*types.Invitation, error) {
	var inv types.Invitation
	var email *string
	err := row.Scan(&inv.Token, &inv.Type, &inv.CreatedBy, &inv.CreatedOn, &inv.Status, &email, &inv.ClaimerUserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrInvitationNotFound
		}
		return nil, err
	}
	if email != nil {
		inv.ClaimerEmail = *email
	}
	return &inv, nil
}

func (r *invitationRepo) Create(ctx context.Context, org types.OrganizationID, invitation *types.Invitation) error {
	var email *string
	if invitation.ClaimerEmail != "" {
		email = &invitation.ClaimerEmail
	}
	const q = `
INSERT INTO invitations (organization_id, token, type, created_by, created_on, status, claimer_email, claimer_user_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.Pool.Exec(ctx, q, org, invitation.Token, invitation.Type,
		invitation.CreatedBy, invitation.CreatedOn, invitation.Status, email, invitation.ClaimerUserID)
	return err
}

func (r *invitationRepo) Get(ctx context.Context, org types.OrganizationID, token types.InvitationToken) (*types.Invitation, error) {
	const q = `SELECT ` + invitationColumns + ` FROM invitations WHERE organization_id=$1 AND token=$2`
	return scanInvitation(r.db.Pool.QueryRow(ctx, q, org, token))
}

func (r *invitationRepo) ListForGreeter(ctx context.Context, org types.OrganizationID, user types.UserID) ([]*types.Invitation, error) {
	const q = `
SELECT ` + invitationColumns + ` FROM invitations i
WHERE i.organization_id=$1 AND (
  (i.type<>'SHAMIR_RECOVERY' AND i.created_by=$2)
  OR (i.type='SHAMIR_RECOVERY' AND EXISTS (
    SELECT 1 FROM shamir_setups s
    JOIN shamir_recipients sr ON sr.organization_id=s.organization_id AND sr.user_id=s.user_id
    WHERE s.organization_id=i.organization_id AND s.user_id=i.claimer_user_id
      AND s.deleted_on=0 AND sr.recipient_id=$2))
)
ORDER BY i.created_on`
	rows, err := r.db.Pool.Query(ctx, q, org, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *invitationRepo) FindActiveByEmail(ctx context.Context, org types.OrganizationID, email string) (*types.Invitation, error) {
	const q = `
SELECT ` + invitationColumns + ` FROM invitations
WHERE organization_id=$1 AND type='USER' AND claimer_email=$2
  AND status NOT IN ('CANCELLED', 'FINISHED')
ORDER BY created_on LIMIT 1`
	return scanInvitation(r.db.Pool.QueryRow(ctx, q, org, email))
}

func (r *invitationRepo) SetStatus(ctx context.Context, org types.OrganizationID, token types.InvitationToken, status types.InvitationStatus) error {
	const q = `UPDATE invitations SET status=$3 WHERE organization_id=$1 AND token=$2`
	tag, err := r.db.Pool.Exec(ctx, q, org, token, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrInvitationNotFound
	}
	return nil
}

const attemptColumns = `
id, token, greeter_joined_on, claimer_joined_on, cancelled_origin, cancelled_reason, cancelled_on`

func scanAttempt(row pgx.Row) (*types.GreetingAttempt, error) {
	var ga types.GreetingAttempt
	var origin, reason *string
	err := row.Scan(&ga.ID, &ga.Token, &ga.GreeterJoinedOn, &ga.ClaimerJoinedOn, &origin, &reason, &ga.CancelledOn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrGreetingAttemptNotFound
		}
		return nil, err
	}
	if origin != nil {
		ga.CancelledOrigin = types.GreeterOrClaimer(*origin)
	}
	if reason != nil {
		ga.CancelledReason = types.CancelledGreetingAttemptReason(*reason)
	}
	return &ga, nil
}

// loadAttemptSteps fills both step logs from the greeting_steps table.
func loadAttemptSteps(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, org types.OrganizationID, ga *types.GreetingAttempt) error {
	const sel = `
SELECT side, payload FROM greeting_steps
WHERE organization_id=$1 AND attempt_id=$2
ORDER BY idx ASC`
	rows, err := q.Query(ctx, sel, org, ga.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var side string
		var payload []byte
		if err := rows.Scan(&side, &payload); err != nil {
			return err
		}
		if types.GreeterOrClaimer(side) == types.Greeter {
			ga.GreeterSteps = append(ga.GreeterSteps, payload)
		} else {
			ga.ClaimerSteps = append(ga.ClaimerSteps, payload)
		}
	}
	return rows.Err()
}

func saveAttempt(ctx context.Context, tx pgx.Tx, org types.OrganizationID, ga *types.GreetingAttempt) error {
	var origin, reason *string
	if ga.IsCancelled() {
		o, re := string(ga.CancelledOrigin), string(ga.CancelledReason)
		origin, reason = &o, &re
	}
	const upd = `
UPDATE greeting_attempts
SET greeter_joined_on=$3, claimer_joined_on=$4, cancelled_origin=$5, cancelled_reason=$6, cancelled_on=$7
WHERE organization_id=$1 AND id=$2`
	_, err := tx.Exec(ctx, upd, org, ga.ID, ga.GreeterJoinedOn, ga.ClaimerJoinedOn, origin, reason, ga.CancelledOn)
	return err
}

func (r *invitationRepo) StartAttempt(ctx context.Context, org types.OrganizationID, token types.InvitationToken, side types.GreeterOrClaimer, id types.GreetingAttemptID, now types.Timestamp) (*types.GreetingAttempt, error) {
	var out *types.GreetingAttempt
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		const invQ = `SELECT 1 FROM invitations WHERE organization_id=$1 AND token=$2 FOR UPDATE`
		var one int
		if err := tx.QueryRow(ctx, invQ, org, token).Scan(&one); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return types.ErrInvitationNotFound
			}
			return err
		}
		const activeQ = `
SELECT ` + attemptColumns + ` FROM greeting_attempts
WHERE organization_id=$1 AND token=$2 AND active
FOR UPDATE`
		active, err := scanAttempt(tx.QueryRow(ctx, activeQ, org, token))
		if err != nil && !errors.Is(err, types.ErrGreetingAttemptNotFound) {
			return err
		}
		if active != nil && !active.IsCancelled() {
			if !active.Joined(side) {
				active.Join(side, now)
				if err := saveAttempt(ctx, tx, org, active); err != nil {
					return err
				}
				out = active
				return nil
			}
			// rejoining resets the rendezvous for both sides
			active.Cancel(side, types.CancelledReasonNormal, now)
			if err := saveAttempt(ctx, tx, org, active); err != nil {
				return err
			}
		}
		if active != nil {
			const demote = `UPDATE greeting_attempts SET active=false WHERE organization_id=$1 AND id=$2`
			if _, err := tx.Exec(ctx, demote, org, active.ID); err != nil {
				return err
			}
		}
		fresh := &types.GreetingAttempt{ID: id, Token: token}
		fresh.Join(side, now)
		const ins = `
INSERT INTO greeting_attempts (organization_id, id, token, greeter_joined_on, claimer_joined_on, cancelled_on, active)
VALUES ($1, $2, $3, $4, $5, 0, true)`
		if _, err := tx.Exec(ctx, ins, org, id, token, fresh.GreeterJoinedOn, fresh.ClaimerJoinedOn); err != nil {
			return err
		}
		out = fresh
		return nil
	})
	return out, err
}

func (r *invitationRepo) GetAttempt(ctx context.Context, org types.OrganizationID, id types.GreetingAttemptID) (*types.GreetingAttempt, error) {
	const q = `SELECT ` + attemptColumns + ` FROM greeting_attempts WHERE organization_id=$1 AND id=$2`
	ga, err := scanAttempt(r.db.Pool.QueryRow(ctx, q, org, id))
	if err != nil {
		return nil, err
	}
	if err := loadAttemptSteps(ctx, r.db.Pool, org, ga); err != nil {
		return nil, err
	}
	return ga, nil
}

func (r *invitationRepo) GetActiveAttempt(ctx context.Context, org types.OrganizationID, token types.InvitationToken) (*types.GreetingAttempt, error) {
	const q = `SELECT ` + attemptColumns + ` FROM greeting_attempts WHERE organization_id=$1 AND token=$2 AND active`
	ga, err := scanAttempt(r.db.Pool.QueryRow(ctx, q, org, token))
	if err != nil {
		return nil, err
	}
	if err := loadAttemptSteps(ctx, r.db.Pool, org, ga); err != nil {
		return nil, err
	}
	return ga, nil
}

func (r *invitationRepo) Step(ctx context.Context, org types.OrganizationID, id types.GreetingAttemptID, side types.GreeterOrClaimer, index int, payload []byte) ([]byte, error) {
	var peer []byte
	var stepErr error
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		const q = `SELECT ` + attemptColumns + ` FROM greeting_attempts WHERE organization_id=$1 AND id=$2 FOR UPDATE`
		ga, err := scanAttempt(tx.QueryRow(ctx, q, org, id))
		if err != nil {
			return err
		}
		if err := loadAttemptSteps(ctx, tx, org, ga); err != nil {
			return err
		}
		before := len(*stepsOf(ga, side))
		peer, stepErr = ga.Step(side, index, payload)
		// the publication may succeed while the peer payload is still
		// missing; the appended step must be committed regardless
		if len(*stepsOf(ga, side)) > before {
			const ins = `
INSERT INTO greeting_steps (organization_id, attempt_id, side, idx, payload)
VALUES ($1, $2, $3, $4, $5)`
			if _, insErr := tx.Exec(ctx, ins, org, id, side, index, payload); insErr != nil {
				return insErr
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return peer, stepErr
}

func stepsOf(ga *types.GreetingAttempt, side types.GreeterOrClaimer) *[][]byte {
	if side == types.Greeter {
		return &ga.GreeterSteps
	}
	return &ga.ClaimerSteps
}

func (r *invitationRepo) CancelAttempt(ctx context.Context, org types.OrganizationID, id types.GreetingAttemptID, side types.GreeterOrClaimer, reason types.CancelledGreetingAttemptReason, now types.Timestamp) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		const q = `SELECT ` + attemptColumns + ` FROM greeting_attempts WHERE organization_id=$1 AND id=$2 FOR UPDATE`
		ga, err := scanAttempt(tx.QueryRow(ctx, q, org, id))
		if err != nil {
			return err
		}
		if ga.IsCancelled() {
			return types.ErrGreetingAttemptAlreadyCancelled
		}
		if !ga.Joined(side) {
			return types.ErrGreetingAttemptNotJoined
		}
		ga.Cancel(side, reason, now)
		return saveAttempt(ctx, tx, org, ga)
	})
}

func (r *invitationRepo) DeleteCancelledAttempts(ctx context.Context, before types.Timestamp) (int, error) {
	var removed int
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		const delSteps = `
DELETE FROM greeting_steps gs
USING greeting_attempts ga
WHERE ga.organization_id=gs.organization_id AND ga.id=gs.attempt_id
  AND ga.cancelled_on>0 AND ga.cancelled_on<$1`
		if _, err := tx.Exec(ctx, delSteps, before); err != nil {
			return err
		}
		const del = `DELETE FROM greeting_attempts WHERE cancelled_on>0 AND cancelled_on<$1`
		tag, err := tx.Exec(ctx, del, before)
		if err != nil {
			return err
		}
		removed = int(tag.RowsAffected())
		return nil
	})
	return removed, err
}

// ---- shamir ----

type shamirRepo struct{ db *DB }

func (r *shamirRepo) Get(ctx context.Context, org types.OrganizationID, user types.UserID) (*repository.ShamirSetup, error) {
	const q = `
SELECT user_id, created_on, threshold, ciphered_data, reveal_token, brief_certificate, deleted_on
FROM shamir_setups WHERE organization_id=$1 AND user_id=$2`
	var setup repository.ShamirSetup
	err := r.db.Pool.QueryRow(ctx, q, org, user).Scan(
		&setup.UserID, &setup.CreatedOn, &setup.Threshold, &setup.CipheredData,
		&setup.RevealToken, &setup.BriefCertificate, &setup.DeletedOn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrShamirSetupNotFound
		}
		return nil, err
	}
	const recipientsQ = `
SELECT recipient_id, shares, share_certificate FROM shamir_recipients
WHERE organization_id=$1 AND user_id=$2`
	rows, err := r.db.Pool.Query(ctx, recipientsQ, org, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	setup.Recipients = map[types.UserID]uint8{}
	setup.ShareCertificates = map[types.UserID][]byte{}
	for rows.Next() {
		var recipient types.UserID
		var shares uint8
		var cert []byte
		if err := rows.Scan(&recipient, &shares, &cert); err != nil {
			return nil, err
		}
		setup.Recipients[recipient] = shares
		setup.ShareCertificates[recipient] = cert
	}
	return &setup, rows.Err()
}

func (r *shamirRepo) Create(ctx context.Context, org types.OrganizationID, data repository.CreateShamirSetup) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		const existing = `
SELECT deleted_on FROM shamir_setups WHERE organization_id=$1 AND user_id=$2 FOR UPDATE`
		var deletedOn types.Timestamp
		err := tx.QueryRow(ctx, existing, org, data.Setup.UserID).Scan(&deletedOn)
		switch {
		case err == nil:
			if deletedOn.IsZero() {
				return types.ErrShamirSetupAlreadyExists
			}
			// a deleted setup is replaced in place
			const clear = `DELETE FROM shamir_recipients WHERE organization_id=$1 AND user_id=$2`
			if _, err := tx.Exec(ctx, clear, org, data.Setup.UserID); err != nil {
				return err
			}
			const drop = `DELETE FROM shamir_setups WHERE organization_id=$1 AND user_id=$2`
			if _, err := tx.Exec(ctx, drop, org, data.Setup.UserID); err != nil {
				return err
			}
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return err
		}

		topic := types.ShamirTopic(data.Setup.UserID)
		last, err := lockTopic(ctx, tx, org, topic)
		if err != nil {
			return err
		}
		entries := make([]repository.StoredCertificate, 0, 1+len(data.ShareCertificates))
		entries = append(entries, repository.StoredCertificate{
			Type:      types.CertTypeShamirRecoveryBrief,
			Author:    &data.Author,
			Timestamp: data.Timestamp,
			Signed:    data.BriefCertificate,
		})
		for _, share := range data.ShareCertificates {
			entries = append(entries, repository.StoredCertificate{
				Type:      types.CertTypeShamirRecoveryShare,
				Author:    &data.Author,
				Timestamp: data.Timestamp,
				Signed:    share,
			})
		}
		if err := appendCertificates(ctx, tx, org, topic, last, data.Timestamp, entries...); err != nil {
			return err
		}

		const ins = `
INSERT INTO shamir_setups (organization_id, user_id, created_on, threshold, ciphered_data, reveal_token, brief_certificate, deleted_on)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0)`
		if _, err := tx.Exec(ctx, ins, org, data.Setup.UserID, data.Setup.CreatedOn,
			data.Setup.Threshold, data.Setup.CipheredData, data.Setup.RevealToken, data.BriefCertificate); err != nil {
			return err
		}
		const recipientIns = `
INSERT INTO shamir_recipients (organization_id, user_id, recipient_id, shares, share_certificate)
VALUES ($1, $2, $3, $4, $5)`
		for recipient, shares := range data.Setup.Recipients {
			if _, err := tx.Exec(ctx, recipientIns, org, data.Setup.UserID, recipient,
				shares, data.Setup.ShareCertificates[recipient]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *shamirRepo) Delete(ctx context.Context, org types.OrganizationID, data repository.DeleteShamirSetup) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		const existing = `
SELECT deleted_on FROM shamir_setups WHERE organization_id=$1 AND user_id=$2 FOR UPDATE`
		var deletedOn types.Timestamp
		if err := tx.QueryRow(ctx, existing, org, data.UserID).Scan(&deletedOn); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return types.ErrShamirSetupNotFound
			}
			return err
		}
		if !deletedOn.IsZero() {
			return types.ErrShamirSetupNotFound
		}
		topic := types.ShamirTopic(data.UserID)
		last, err := lockTopic(ctx, tx, org, topic)
		if err != nil {
			return err
		}
		entry := repository.StoredCertificate{
			Type:      types.CertTypeShamirRecoveryDeletion,
			Author:    &data.Author,
			Timestamp: data.Timestamp,
			Signed:    data.DeletionCertificate,
		}
		if err := appendCertificates(ctx, tx, org, topic, last, data.Timestamp, entry); err != nil {
			return err
		}
		const upd = `UPDATE shamir_setups SET deleted_on=$3 WHERE organization_id=$1 AND user_id=$2`
		_, err = tx.Exec(ctx, upd, org, data.UserID, data.Timestamp)
		return err
	})
}
