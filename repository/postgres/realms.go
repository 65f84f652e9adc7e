package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
)

type realmRepo struct{ db *DB }

func (r *realmRepo) Get(ctx context.Context, org types.OrganizationID, id types.RealmID) (*types.Realm, error) {
	const q = `
SELECT created_on, key_index, archiving, deletion_date
FROM realms WHERE organization_id=$1 AND id=$2`
	realm := types.Realm{ID: id, Roles: map[types.UserID]types.RealmRole{}}
	err := r.db.Pool.QueryRow(ctx, q, org, id).Scan(&realm.CreatedOn, &realm.KeyIndex, &realm.Archiving, &realm.DeletionDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrRealmNotFound
		}
		return nil, err
	}
	const rolesQ = `SELECT user_id, role FROM realm_roles WHERE organization_id=$1 AND realm_id=$2`
	rows, err := r.db.Pool.Query(ctx, rolesQ, org, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID types.UserID
		var role types.RealmRole
		if err := rows.Scan(&userID, &role); err != nil {
			return nil, err
		}
		realm.Roles[userID] = role
	}
	return &realm, rows.Err()
}

func (r *realmRepo) RoleChanges(ctx context.Context, org types.OrganizationID, id types.RealmID) ([]types.RoleChange, error) {
	if _, err := r.Get(ctx, org, id); err != nil {
		return nil, err
	}
	const q = `
SELECT user_id, role, timestamp FROM realm_role_log
WHERE organization_id=$1 AND realm_id=$2 ORDER BY id ASC`
	rows, err := r.db.Pool.Query(ctx, q, org, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.RoleChange
	for rows.Next() {
		var change types.RoleChange
		if err := rows.Scan(&change.UserID, &change.Role, &change.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, change)
	}
	return out, rows.Err()
}

func (r *realmRepo) Create(ctx context.Context, org types.OrganizationID, data repository.CreateRealm) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		topic := types.RealmTopic(data.RealmID)
		last, err := lockTopic(ctx, tx, org, topic)
		if err != nil {
			return err
		}
		const ins = `
INSERT INTO realms (organization_id, id, created_on, key_index, archiving)
VALUES ($1, $2, $3, 0, $4)`
		if _, err := tx.Exec(ctx, ins, org, data.RealmID, data.Timestamp, types.ArchivingAvailable); err != nil {
			if isUniqueViolation(err) {
				return types.ErrRealmAlreadyExists
			}
			return err
		}
		entry := repository.StoredCertificate{
			Type:      types.CertTypeRealmRole,
			Author:    &data.Author,
			Timestamp: data.Timestamp,
			Signed:    data.Certificate,
		}
		if err := appendCertificates(ctx, tx, org, topic, last, data.Timestamp, entry); err != nil {
			return err
		}
		return applyRole(ctx, tx, org, data.RealmID, data.Author.UserID, rolePtr(types.RoleOwner), data.Timestamp)
	})
}

func rolePtr(r types.RealmRole) *types.RealmRole { return &r }

func applyRole(ctx context.Context, tx pgx.Tx, org types.OrganizationID, realm types.RealmID, user types.UserID, role *types.RealmRole, ts types.Timestamp) error {
	if role == nil {
		const del = `DELETE FROM realm_roles WHERE organization_id=$1 AND realm_id=$2 AND user_id=$3`
		if _, err := tx.Exec(ctx, del, org, realm, user); err != nil {
			return err
		}
	} else {
		const ups = `
INSERT INTO realm_roles (organization_id, realm_id, user_id, role)
VALUES ($1, $2, $3, $4)
ON CONFLICT (organization_id, realm_id, user_id) DO UPDATE SET role=excluded.role`
		if _, err := tx.Exec(ctx, ups, org, realm, user, role); err != nil {
			return err
		}
	}
	const log = `
INSERT INTO realm_role_log (organization_id, realm_id, user_id, role, timestamp)
VALUES ($1, $2, $3, $4, $5)`
	_, err := tx.Exec(ctx, log, org, realm, user, role, ts)
	return err
}

// lockRealm fetches the realm row FOR UPDATE and returns its key index.
func lockRealm(ctx context.Context, tx pgx.Tx, org types.OrganizationID, id types.RealmID) (uint64, error) {
	const q = `SELECT key_index FROM realms WHERE organization_id=$1 AND id=$2 FOR UPDATE`
	var keyIndex uint64
	if err := tx.QueryRow(ctx, q, org, id).Scan(&keyIndex); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, types.ErrRealmNotFound
		}
		return 0, err
	}
	return keyIndex, nil
}

func (r *realmRepo) SetRole(ctx context.Context, org types.OrganizationID, data repository.SetRealmRole) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		topic := types.RealmTopic(data.RealmID)
		last, err := lockTopic(ctx, tx, org, topic)
		if err != nil {
			return err
		}
		keyIndex, err := lockRealm(ctx, tx, org, data.RealmID)
		if err != nil {
			return err
		}
		if data.RecipientAccess != nil && data.KeyIndex != keyIndex {
			return &types.BadKeyIndexError{LastRealmCertificateTimestamp: last}
		}
		entry := repository.StoredCertificate{Type: types.CertTypeRealmRole, Author: &data.Author, Timestamp: data.Timestamp, Signed: data.Certificate}
		if err := appendCertificates(ctx, tx, org, topic, last, data.Timestamp, entry); err != nil {
			return err
		}
		if err := applyRole(ctx, tx, org, data.RealmID, data.UserID, data.Role, data.Timestamp); err != nil {
			return err
		}
		if data.RecipientAccess != nil {
			const ins = `
INSERT INTO realm_keys_bundle_accesses (organization_id, realm_id, key_index, user_id, access)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (organization_id, realm_id, key_index, user_id) DO UPDATE SET access=excluded.access`
			if _, err := tx.Exec(ctx, ins, org, data.RealmID, data.KeyIndex, data.UserID, data.RecipientAccess); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *realmRepo) RotateKey(ctx context.Context, org types.OrganizationID, data repository.RotateRealmKey) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		// sequester before realm, matching the canonical topic lock order
		var lastSequester types.Timestamp
		if data.Sequestered {
			var err error
			lastSequester, err = lockTopic(ctx, tx, org, types.SequesterTopic())
			if err != nil {
				return err
			}
		}
		topic := types.RealmTopic(data.RealmID)
		last, err := lockTopic(ctx, tx, org, topic)
		if err != nil {
			return err
		}
		keyIndex, err := lockRealm(ctx, tx, org, data.RealmID)
		if err != nil {
			return err
		}
		if data.KeyIndex != keyIndex+1 {
			return &types.BadKeyIndexError{LastRealmCertificateTimestamp: last}
		}

		// the accesses must cover exactly the current non-revoked members
		const membersQ = `
SELECT rr.user_id FROM realm_roles rr
JOIN users u ON u.organization_id=rr.organization_id AND u.id=rr.user_id
WHERE rr.organization_id=$1 AND rr.realm_id=$2 AND u.revoked_on=0`
		rows, err := tx.Query(ctx, membersQ, org, data.RealmID)
		if err != nil {
			return err
		}
		members := map[types.UserID]struct{}{}
		for rows.Next() {
			var id types.UserID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			members[id] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(members) != len(data.PerParticipant) {
			return &types.ParticipantMismatchError{LastRealmCertificateTimestamp: last}
		}
		for id := range members {
			if _, ok := data.PerParticipant[id]; !ok {
				return &types.ParticipantMismatchError{LastRealmCertificateTimestamp: last}
			}
		}

		if data.Sequestered {
			if err := checkSequesterAccesses(ctx, tx, org, lastSequester, data.PerSequesterService); err != nil {
				return err
			}
		}

		entry := repository.StoredCertificate{Type: types.CertTypeRealmKeyRotation, Author: &data.Author, Timestamp: data.Timestamp, Signed: data.Certificate}
		if err := appendCertificates(ctx, tx, org, topic, last, data.Timestamp, entry); err != nil {
			return err
		}
		const bump = `UPDATE realms SET key_index=$3 WHERE organization_id=$1 AND id=$2`
		if _, err := tx.Exec(ctx, bump, org, data.RealmID, data.KeyIndex); err != nil {
			return err
		}
		const bundleIns = `
INSERT INTO realm_keys_bundles (organization_id, realm_id, key_index, bundle)
VALUES ($1, $2, $3, $4)`
		if _, err := tx.Exec(ctx, bundleIns, org, data.RealmID, data.KeyIndex, data.Bundle); err != nil {
			return err
		}
		const accessIns = `
INSERT INTO realm_keys_bundle_accesses (organization_id, realm_id, key_index, user_id, access)
VALUES ($1, $2, $3, $4, $5)`
		for userID, access := range data.PerParticipant {
			if _, err := tx.Exec(ctx, accessIns, org, data.RealmID, data.KeyIndex, userID, access); err != nil {
				return err
			}
		}
		const sequesterIns = `
INSERT INTO realm_sequester_accesses (organization_id, realm_id, key_index, service_id, access)
VALUES ($1, $2, $3, $4, $5)`
		for serviceID, access := range data.PerSequesterService {
			if _, err := tx.Exec(ctx, sequesterIns, org, data.RealmID, data.KeyIndex, serviceID, access); err != nil {
				return err
			}
		}
		return nil
	})
}

func checkSequesterAccesses(ctx context.Context, tx pgx.Tx, org types.OrganizationID, lastSequester types.Timestamp, accesses map[types.SequesterServiceID][]byte) error {
	mismatch := &types.SequesterServiceMismatchError{LastSequesterCertificateTimestamp: lastSequester}
	const q = `SELECT id FROM sequester_services WHERE organization_id=$1 AND revoked_on=0`
	rows, err := tx.Query(ctx, q, org)
	if err != nil {
		return err
	}
	defer rows.Close()
	active := 0
	for rows.Next() {
		var id types.SequesterServiceID
		if err := rows.Scan(&id); err != nil {
			return err
		}
		active++
		if _, ok := accesses[id]; !ok {
			return mismatch
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(accesses) != active {
		return mismatch
	}
	return nil
}

func (r *realmRepo) SetName(ctx context.Context, org types.OrganizationID, data repository.SetRealmName) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		topic := types.RealmTopic(data.RealmID)
		last, err := lockTopic(ctx, tx, org, topic)
		if err != nil {
			return err
		}
		const q = `SELECT key_index, named FROM realms WHERE organization_id=$1 AND id=$2 FOR UPDATE`
		var keyIndex uint64
		var named bool
		if err := tx.QueryRow(ctx, q, org, data.RealmID).Scan(&keyIndex, &named); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return types.ErrRealmNotFound
			}
			return err
		}
		if data.KeyIndex != keyIndex {
			return &types.BadKeyIndexError{LastRealmCertificateTimestamp: last}
		}
		if data.InitialNameOrFail && named {
			return types.ErrRealmNameAlreadySet
		}
		entry := repository.StoredCertificate{Type: types.CertTypeRealmName, Author: &data.Author, Timestamp: data.Timestamp, Signed: data.Certificate}
		if err := appendCertificates(ctx, tx, org, topic, last, data.Timestamp, entry); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE realms SET named=true WHERE organization_id=$1 AND id=$2`, org, data.RealmID)
		return err
	})
}

func (r *realmRepo) SetArchiving(ctx context.Context, org types.OrganizationID, data repository.SetRealmArchiving) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		topic := types.RealmTopic(data.RealmID)
		last, err := lockTopic(ctx, tx, org, topic)
		if err != nil {
			return err
		}
		if _, err := lockRealm(ctx, tx, org, data.RealmID); err != nil {
			return err
		}
		entry := repository.StoredCertificate{Type: types.CertTypeRealmArchiving, Author: &data.Author, Timestamp: data.Timestamp, Signed: data.Certificate}
		if err := appendCertificates(ctx, tx, org, topic, last, data.Timestamp, entry); err != nil {
			return err
		}
		const upd = `UPDATE realms SET archiving=$3, deletion_date=$4 WHERE organization_id=$1 AND id=$2`
		_, err = tx.Exec(ctx, upd, org, data.RealmID, data.Configuration, data.DeletionDate)
		return err
	})
}

func (r *realmRepo) GetKeysBundle(ctx context.Context, org types.OrganizationID, id types.RealmID, keyIndex uint64, user types.UserID) ([]byte, []byte, error) {
	const q = `
SELECT b.bundle, a.access
FROM realm_keys_bundles b
JOIN realm_keys_bundle_accesses a
  ON a.organization_id=b.organization_id AND a.realm_id=b.realm_id AND a.key_index=b.key_index
WHERE b.organization_id=$1 AND b.realm_id=$2 AND b.key_index=$3 AND a.user_id=$4`
	var bundle, access []byte
	err := r.db.Pool.QueryRow(ctx, q, org, id, keyIndex, user).Scan(&bundle, &access)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, types.ErrNotFound
		}
		return nil, nil, err
	}
	return bundle, access, nil
}
