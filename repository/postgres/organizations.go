package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
)

type organizationRepo struct{ db *DB }

const organizationColumns = `
id, root_verify_key, bootstrap_token, created_on, bootstrapped_on, is_expired,
active_users_limit, user_profile_outsider_allowed, minimum_archiving_period,
tos, tos_updated_on, is_sequestered`

func scanOrganization(row pgx.Row) (*types.Organization, error) {
	var org types.Organization
	err := row.Scan(
		&org.ID, &org.RootVerifyKey, &org.BootstrapToken, &org.CreatedOn,
		&org.BootstrappedOn, &org.IsExpired, &org.ActiveUsersLimit,
		&org.UserProfileOutsiderAllowed, &org.MinimumArchivingPeriod,
		&org.Tos, &org.TosUpdatedOn, &org.IsSequestered,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrOrganizationNotFound
		}
		return nil, err
	}
	return &org, nil
}

func (r *organizationRepo) Create(ctx context.Context, org *types.Organization) error {
	const q = `
INSERT INTO organizations
  (id, bootstrap_token, created_on, active_users_limit, user_profile_outsider_allowed, minimum_archiving_period, tos, is_sequestered)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.Pool.Exec(ctx, q,
		org.ID, org.BootstrapToken, org.CreatedOn, org.ActiveUsersLimit,
		org.UserProfileOutsiderAllowed, org.MinimumArchivingPeriod, org.Tos, org.IsSequestered)
	if isUniqueViolation(err) {
		return types.ErrOrganizationAlreadyExists
	}
	return err
}

func (r *organizationRepo) Get(ctx context.Context, id types.OrganizationID) (*types.Organization, error) {
	const q = `SELECT ` + organizationColumns + ` FROM organizations WHERE id=$1`
	return scanOrganization(r.db.Pool.QueryRow(ctx, q, id))
}

func (r *organizationRepo) List(ctx context.Context) ([]*types.Organization, error) {
	const q = `SELECT ` + organizationColumns + ` FROM organizations ORDER BY id`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func (r *organizationRepo) Bootstrap(ctx context.Context, id types.OrganizationID, data repository.BootstrapData) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		const sel = `SELECT root_verify_key FROM organizations WHERE id=$1 FOR UPDATE`
		var rootKey []byte
		if err := tx.QueryRow(ctx, sel, id).Scan(&rootKey); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return types.ErrOrganizationNotFound
			}
			return err
		}
		if len(rootKey) > 0 {
			return types.ErrAlreadyBootstrapped
		}

		last, err := lockTopic(ctx, tx, id, types.CommonTopic())
		if err != nil {
			return err
		}
		entries := []repository.StoredCertificate{
			{Type: types.CertTypeUser, Timestamp: data.Timestamp, Signed: data.UserCertificate, RedactedSigned: data.RedactedUserCertificate},
			{Type: types.CertTypeDevice, Timestamp: data.Timestamp, Signed: data.DeviceCertificate, RedactedSigned: data.RedactedDeviceCertificate},
		}
		if err := appendCertificates(ctx, tx, id, types.CommonTopic(), last, data.Timestamp, entries...); err != nil {
			return err
		}
		sequestered := false
		if data.SequesterAuthorityCertificate != nil {
			sequestered = true
			last, err := lockTopic(ctx, tx, id, types.SequesterTopic())
			if err != nil {
				return err
			}
			entry := repository.StoredCertificate{
				Type:      types.CertTypeSequesterAuthority,
				Timestamp: data.Timestamp,
				Signed:    data.SequesterAuthorityCertificate,
			}
			if err := appendCertificates(ctx, tx, id, types.SequesterTopic(), last, data.Timestamp, entry); err != nil {
				return err
			}
		}
		if err := insertUser(ctx, tx, id, data.User); err != nil {
			return err
		}
		if err := insertDevice(ctx, tx, id, data.Device); err != nil {
			return err
		}
		const upd = `
UPDATE organizations
SET root_verify_key=$2, bootstrapped_on=$3, is_sequestered=is_sequestered OR $4
WHERE id=$1`
		_, err = tx.Exec(ctx, upd, id, data.RootVerifyKey, data.BootstrappedOn, sequestered)
		return err
	})
}

func (r *organizationRepo) Update(ctx context.Context, id types.OrganizationID, update types.OrganizationUpdate) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		org, err := scanOrganization(tx.QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id=$1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if update.IsExpired != nil {
			org.IsExpired = *update.IsExpired
		}
		if update.SetActiveUsersLimit {
			org.ActiveUsersLimit = update.ActiveUsersLimit
		}
		if update.UserProfileOutsiderAllowed != nil {
			org.UserProfileOutsiderAllowed = *update.UserProfileOutsiderAllowed
		}
		if update.MinimumArchivingPeriod != nil {
			org.MinimumArchivingPeriod = *update.MinimumArchivingPeriod
		}
		if update.Tos != nil {
			org.Tos = *update.Tos
			org.TosUpdatedOn = types.Now()
		}
		const upd = `
UPDATE organizations
SET is_expired=$2, active_users_limit=$3, user_profile_outsider_allowed=$4,
    minimum_archiving_period=$5, tos=$6, tos_updated_on=$7
WHERE id=$1`
		_, err = tx.Exec(ctx, upd, id, org.IsExpired, org.ActiveUsersLimit,
			org.UserProfileOutsiderAllowed, org.MinimumArchivingPeriod, org.Tos, org.TosUpdatedOn)
		return err
	})
}

func (r *organizationRepo) Stats(ctx context.Context, id types.OrganizationID) (*types.OrganizationStats, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	stats := &types.OrganizationStats{UsersPerProfile: map[types.Profile]int{}}

	const usersQ = `SELECT profile, revoked_on FROM users WHERE organization_id=$1`
	rows, err := r.db.Pool.Query(ctx, usersQ, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var profile types.Profile
		var revokedOn types.Timestamp
		if err := rows.Scan(&profile, &revokedOn); err != nil {
			return nil, err
		}
		stats.Users++
		if revokedOn.IsZero() {
			stats.ActiveUsers++
			stats.UsersPerProfile[profile]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const sizesQ = `
SELECT
  (SELECT count(*) FROM realms WHERE organization_id=$1),
  (SELECT coalesce(sum(size), 0) FROM blocks WHERE organization_id=$1),
  (SELECT coalesce(sum(length(blob)), 0) FROM vlob_versions WHERE organization_id=$1)`
	if err := r.db.Pool.QueryRow(ctx, sizesQ, id).Scan(&stats.Realms, &stats.DataSize, &stats.MetadataSize); err != nil {
		return nil, err
	}
	return stats, nil
}

// ---- certificates ----

type certificateRepo struct{ db *DB }

func (r *certificateRepo) Read(ctx context.Context, org types.OrganizationID, topic types.Topic, after *types.Timestamp) ([]repository.StoredCertificate, error) {
	kind, realm, user := topicColumns(topic)
	const q = `
SELECT certificate_type, author, timestamp, signed, redacted_signed
FROM certificates
WHERE organization_id=$1 AND topic_kind=$2 AND topic_realm_id=$3 AND topic_user_id=$4
  AND timestamp > $5
ORDER BY id ASC`
	var cursor types.Timestamp
	if after != nil {
		cursor = *after
	} else {
		cursor = -1
	}
	rows, err := r.db.Pool.Query(ctx, q, org, kind, realm, user, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []repository.StoredCertificate
	for rows.Next() {
		e := repository.StoredCertificate{Topic: topic}
		var certType string
		var author *string
		if err := rows.Scan(&certType, &author, &e.Timestamp, &e.Signed, &e.RedactedSigned); err != nil {
			return nil, err
		}
		e.Type = types.CertificateType(certType)
		if author != nil {
			deviceID, err := types.ParseDeviceID(*author)
			if err != nil {
				return nil, err
			}
			e.Author = &deviceID
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *certificateRepo) LastTimestamp(ctx context.Context, org types.OrganizationID, topic types.Topic) (types.Timestamp, error) {
	kind, realm, user := topicColumns(topic)
	const q = `
SELECT last_timestamp FROM topics
WHERE organization_id=$1 AND kind=$2 AND realm_id=$3 AND user_id=$4`
	var last types.Timestamp
	err := r.db.Pool.QueryRow(ctx, q, org, kind, realm, user).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return last, err
}

func (r *certificateRepo) RealmIDs(ctx context.Context, org types.OrganizationID) ([]types.RealmID, error) {
	const q = `SELECT id FROM realms WHERE organization_id=$1`
	rows, err := r.db.Pool.Query(ctx, q, org)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.RealmID
	for rows.Next() {
		var id types.RealmID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
