package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
)

type userRepo struct{ db *DB }

func insertUser(ctx context.Context, tx pgx.Tx, org types.OrganizationID, u types.User) error {
	var email, label *string
	if u.HumanHandle != nil {
		email, label = &u.HumanHandle.Email, &u.HumanHandle.Label
	}
	const q = `
INSERT INTO users (organization_id, id, human_email, human_label, profile, created_on, frozen)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := tx.Exec(ctx, q, org, u.ID, email, label, u.Profile, u.CreatedOn, u.Frozen)
	if isUniqueViolation(err) {
		return types.ErrUserAlreadyExists
	}
	return err
}

func insertDevice(ctx context.Context, tx pgx.Tx, org types.OrganizationID, d types.Device) error {
	const q = `
INSERT INTO devices (organization_id, user_id, name, label, verify_key, created_on)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := tx.Exec(ctx, q, org, d.ID.UserID, d.ID.Name, d.Label, d.VerifyKey, d.CreatedOn)
	if isUniqueViolation(err) {
		return types.ErrDeviceAlreadyExists
	}
	return err
}

const userColumns = `id, human_email, human_label, profile, created_on, revoked_on, frozen, tos_accepted_on`

func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	var email, label *string
	err := row.Scan(&u.ID, &email, &label, &u.Profile, &u.CreatedOn, &u.RevokedOn, &u.Frozen, &u.TosAcceptedOn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrUserNotFound
		}
		return nil, err
	}
	if email != nil {
		u.HumanHandle = &types.HumanHandle{Email: *email, Label: *label}
	}
	return &u, nil
}

func (r *userRepo) Get(ctx context.Context, org types.OrganizationID, id types.UserID) (*types.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE organization_id=$1 AND id=$2`
	return scanUser(r.db.Pool.QueryRow(ctx, q, org, id))
}

func (r *userRepo) GetDevice(ctx context.Context, org types.OrganizationID, id types.DeviceID) (*types.Device, error) {
	const q = `
SELECT label, verify_key, created_on
FROM devices WHERE organization_id=$1 AND user_id=$2 AND name=$3`
	d := types.Device{ID: id}
	err := r.db.Pool.QueryRow(ctx, q, org, id.UserID, id.Name).Scan(&d.Label, &d.VerifyKey, &d.CreatedOn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *userRepo) List(ctx context.Context, org types.OrganizationID) ([]*types.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE organization_id=$1 ORDER BY created_on`
	rows, err := r.db.Pool.Query(ctx, q, org)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const activeEmailQuery = `
SELECT ` + userColumns + ` FROM users
WHERE organization_id=$1 AND human_email=$2 AND revoked_on=0`

func (r *userRepo) HumanEmailTaken(ctx context.Context, org types.OrganizationID, email string) (bool, error) {
	_, err := scanUser(r.db.Pool.QueryRow(ctx, activeEmailQuery, org, email))
	if errors.Is(err, types.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *userRepo) GetByHumanEmail(ctx context.Context, org types.OrganizationID, email string) (*types.User, error) {
	return scanUser(r.db.Pool.QueryRow(ctx, activeEmailQuery, org, email))
}

func (r *userRepo) Create(ctx context.Context, org types.OrganizationID, data repository.CreateUser) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		last, err := lockTopic(ctx, tx, org, types.CommonTopic())
		if err != nil {
			return err
		}
		if data.User.HumanHandle != nil {
			var taken bool
			const q = `
SELECT EXISTS (SELECT 1 FROM users WHERE organization_id=$1 AND human_email=$2 AND revoked_on=0)`
			if err := tx.QueryRow(ctx, q, org, data.User.HumanHandle.Email).Scan(&taken); err != nil {
				return err
			}
			if taken {
				return types.ErrHumanHandleAlreadyTaken
			}
		}
		if data.ActiveUsersLimit != nil {
			var active int
			const q = `SELECT count(*) FROM users WHERE organization_id=$1 AND revoked_on=0`
			if err := tx.QueryRow(ctx, q, org).Scan(&active); err != nil {
				return err
			}
			if active >= *data.ActiveUsersLimit {
				return types.ErrActiveUsersLimitReached
			}
		}
		author := data.Author
		entries := []repository.StoredCertificate{
			{Type: types.CertTypeUser, Author: &author, Timestamp: data.Timestamp, Signed: data.UserCertificate, RedactedSigned: data.RedactedUserCertificate},
			{Type: types.CertTypeDevice, Author: &author, Timestamp: data.Timestamp, Signed: data.DeviceCertificate, RedactedSigned: data.RedactedDeviceCertificate},
		}
		if err := appendCertificates(ctx, tx, org, types.CommonTopic(), last, data.Timestamp, entries...); err != nil {
			return err
		}
		if err := insertUser(ctx, tx, org, data.User); err != nil {
			return err
		}
		return insertDevice(ctx, tx, org, data.Device)
	})
}

func (r *userRepo) CreateDevice(ctx context.Context, org types.OrganizationID, data repository.CreateDevice) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		last, err := lockTopic(ctx, tx, org, types.CommonTopic())
		if err != nil {
			return err
		}
		var exists bool
		const q = `SELECT EXISTS (SELECT 1 FROM users WHERE organization_id=$1 AND id=$2)`
		if err := tx.QueryRow(ctx, q, org, data.Device.ID.UserID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return types.ErrUserNotFound
		}
		entry := repository.StoredCertificate{
			Type:           types.CertTypeDevice,
			Author:         &data.Author,
			Timestamp:      data.Timestamp,
			Signed:         data.DeviceCertificate,
			RedactedSigned: data.RedactedDeviceCertificate,
		}
		if err := appendCertificates(ctx, tx, org, types.CommonTopic(), last, data.Timestamp, entry); err != nil {
			return err
		}
		return insertDevice(ctx, tx, org, data.Device)
	})
}

// lockUser fetches a user row FOR UPDATE inside a transaction.
func lockUser(ctx context.Context, tx pgx.Tx, org types.OrganizationID, id types.UserID) (*types.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE organization_id=$1 AND id=$2 FOR UPDATE`
	return scanUser(tx.QueryRow(ctx, q, org, id))
}

func (r *userRepo) UpdateProfile(ctx context.Context, org types.OrganizationID, id types.UserID, newProfile types.Profile, author types.DeviceID, certificate []byte, ts types.Timestamp) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		last, err := lockTopic(ctx, tx, org, types.CommonTopic())
		if err != nil {
			return err
		}
		u, err := lockUser(ctx, tx, org, id)
		if err != nil {
			return err
		}
		if u.IsRevoked() {
			return types.ErrUserAlreadyRevoked
		}
		if u.Profile == newProfile {
			return types.ErrSameProfile
		}
		entry := repository.StoredCertificate{Type: types.CertTypeUserUpdate, Author: &author, Timestamp: ts, Signed: certificate}
		if err := appendCertificates(ctx, tx, org, types.CommonTopic(), last, ts, entry); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE users SET profile=$3 WHERE organization_id=$1 AND id=$2`, org, id, newProfile)
		return err
	})
}

func (r *userRepo) Revoke(ctx context.Context, org types.OrganizationID, id types.UserID, author types.DeviceID, certificate []byte, ts types.Timestamp) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		last, err := lockTopic(ctx, tx, org, types.CommonTopic())
		if err != nil {
			return err
		}
		u, err := lockUser(ctx, tx, org, id)
		if err != nil {
			return err
		}
		if u.IsRevoked() {
			return types.ErrUserAlreadyRevoked
		}
		entry := repository.StoredCertificate{Type: types.CertTypeRevokedUser, Author: &author, Timestamp: ts, Signed: certificate}
		if err := appendCertificates(ctx, tx, org, types.CommonTopic(), last, ts, entry); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE users SET revoked_on=$3 WHERE organization_id=$1 AND id=$2`, org, id, ts)
		return err
	})
}

func (r *userRepo) SetFrozen(ctx context.Context, org types.OrganizationID, id types.UserID, frozen bool) error {
	const q = `UPDATE users SET frozen=$3 WHERE organization_id=$1 AND id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, org, id, frozen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrUserNotFound
	}
	return nil
}

func (r *userRepo) AcceptTos(ctx context.Context, org types.OrganizationID, id types.UserID, acceptedOn types.Timestamp) error {
	const q = `UPDATE users SET tos_accepted_on=$3 WHERE organization_id=$1 AND id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, org, id, acceptedOn)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrUserNotFound
	}
	return nil
}
