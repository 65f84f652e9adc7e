package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
)

type vlobRepo struct{ db *DB }

// bumpCheckpoint advances the realm change counter; callers hold the realm
// row lock.
func bumpCheckpoint(ctx context.Context, tx pgx.Tx, org types.OrganizationID, realm types.RealmID, vlob types.VlobID, version uint32) error {
	const bump = `
UPDATE realms SET checkpoint=checkpoint+1
WHERE organization_id=$1 AND id=$2
RETURNING checkpoint`
	var checkpoint uint64
	if err := tx.QueryRow(ctx, bump, org, realm).Scan(&checkpoint); err != nil {
		return err
	}
	const change = `
INSERT INTO vlob_changes (organization_id, realm_id, vlob_id, version, checkpoint)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (organization_id, realm_id, vlob_id)
DO UPDATE SET version=excluded.version, checkpoint=excluded.checkpoint`
	_, err := tx.Exec(ctx, change, org, realm, vlob, version, checkpoint)
	return err
}

func (r *vlobRepo) Create(ctx context.Context, org types.OrganizationID, write repository.VlobWrite) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		keyIndex, err := lockRealm(ctx, tx, org, write.RealmID)
		if err != nil {
			return err
		}
		if write.KeyIndex != keyIndex {
			last, err := currentTopicTimestamp(ctx, tx, org, types.RealmTopic(write.RealmID))
			if err != nil {
				return err
			}
			return &types.BadKeyIndexError{LastRealmCertificateTimestamp: last}
		}
		const ins = `INSERT INTO vlobs (organization_id, id, realm_id) VALUES ($1, $2, $3)`
		if _, err := tx.Exec(ctx, ins, org, write.VlobID, write.RealmID); err != nil {
			if isUniqueViolation(err) {
				return types.ErrVlobAlreadyExists
			}
			return err
		}
		if err := insertVersion(ctx, tx, org, write); err != nil {
			return err
		}
		return bumpCheckpoint(ctx, tx, org, write.RealmID, write.VlobID, write.Version)
	})
}

func insertVersion(ctx context.Context, tx pgx.Tx, org types.OrganizationID, write repository.VlobWrite) error {
	const ins = `
INSERT INTO vlob_versions (organization_id, vlob_id, version, key_index, author, timestamp, blob)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := tx.Exec(ctx, ins, org, write.VlobID, write.Version, write.KeyIndex,
		write.Author.String(), write.Timestamp, write.Blob)
	if isUniqueViolation(err) {
		// lost the race on this version number
		return types.ErrBadVlobVersion
	}
	return err
}

func currentTopicTimestamp(ctx context.Context, tx pgx.Tx, org types.OrganizationID, topic types.Topic) (types.Timestamp, error) {
	kind, realm, user := topicColumns(topic)
	const q = `
SELECT last_timestamp FROM topics
WHERE organization_id=$1 AND kind=$2 AND realm_id=$3 AND user_id=$4`
	var last types.Timestamp
	err := tx.QueryRow(ctx, q, org, kind, realm, user).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return last, err
}

func (r *vlobRepo) Update(ctx context.Context, org types.OrganizationID, write repository.VlobWrite) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		const sel = `SELECT realm_id FROM vlobs WHERE organization_id=$1 AND id=$2`
		var realmID types.RealmID
		if err := tx.QueryRow(ctx, sel, org, write.VlobID).Scan(&realmID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return types.ErrVlobNotFound
			}
			return err
		}
		keyIndex, err := lockRealm(ctx, tx, org, realmID)
		if err != nil {
			return err
		}
		if write.KeyIndex != keyIndex {
			last, err := currentTopicTimestamp(ctx, tx, org, types.RealmTopic(realmID))
			if err != nil {
				return err
			}
			return &types.BadKeyIndexError{LastRealmCertificateTimestamp: last}
		}
		const latest = `
SELECT coalesce(max(version), 0) FROM vlob_versions WHERE organization_id=$1 AND vlob_id=$2`
		var current uint32
		if err := tx.QueryRow(ctx, latest, org, write.VlobID).Scan(&current); err != nil {
			return err
		}
		if write.Version != current+1 {
			return types.ErrBadVlobVersion
		}
		write.RealmID = realmID
		if err := insertVersion(ctx, tx, org, write); err != nil {
			return err
		}
		return bumpCheckpoint(ctx, tx, org, realmID, write.VlobID, write.Version)
	})
}

func (r *vlobRepo) Read(ctx context.Context, org types.OrganizationID, id types.VlobID, version *uint32, at *types.Timestamp) (types.RealmID, *types.VlobVersion, error) {
	const sel = `SELECT realm_id FROM vlobs WHERE organization_id=$1 AND id=$2`
	var realmID types.RealmID
	if err := r.db.Pool.QueryRow(ctx, sel, org, id).Scan(&realmID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.RealmID{}, nil, types.ErrVlobNotFound
		}
		return types.RealmID{}, nil, err
	}
	var row pgx.Row
	switch {
	case version != nil:
		const q = `
SELECT version, key_index, author, timestamp, blob FROM vlob_versions
WHERE organization_id=$1 AND vlob_id=$2 AND version=$3`
		row = r.db.Pool.QueryRow(ctx, q, org, id, *version)
	case at != nil:
		const q = `
SELECT version, key_index, author, timestamp, blob FROM vlob_versions
WHERE organization_id=$1 AND vlob_id=$2 AND timestamp<=$3
ORDER BY version DESC LIMIT 1`
		row = r.db.Pool.QueryRow(ctx, q, org, id, *at)
	default:
		const q = `
SELECT version, key_index, author, timestamp, blob FROM vlob_versions
WHERE organization_id=$1 AND vlob_id=$2
ORDER BY version DESC LIMIT 1`
		row = r.db.Pool.QueryRow(ctx, q, org, id)
	}
	var v types.VlobVersion
	var author string
	if err := row.Scan(&v.Version, &v.KeyIndex, &author, &v.Timestamp, &v.Blob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return realmID, nil, types.ErrBadVlobVersion
		}
		return realmID, nil, err
	}
	deviceID, err := types.ParseDeviceID(author)
	if err != nil {
		return realmID, nil, err
	}
	v.Author = deviceID
	return realmID, &v, nil
}

func (r *vlobRepo) PollChanges(ctx context.Context, org types.OrganizationID, realm types.RealmID, since uint64) (uint64, map[types.VlobID]uint32, error) {
	const sel = `SELECT checkpoint FROM realms WHERE organization_id=$1 AND id=$2`
	var current uint64
	if err := r.db.Pool.QueryRow(ctx, sel, org, realm).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, types.ErrRealmNotFound
		}
		return 0, nil, err
	}
	const q = `
SELECT vlob_id, version FROM vlob_changes
WHERE organization_id=$1 AND realm_id=$2 AND checkpoint>$3`
	rows, err := r.db.Pool.Query(ctx, q, org, realm, since)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	changes := make(map[types.VlobID]uint32)
	for rows.Next() {
		var id types.VlobID
		var version uint32
		if err := rows.Scan(&id, &version); err != nil {
			return 0, nil, err
		}
		changes[id] = version
	}
	return current, changes, rows.Err()
}

// ---- blocks ----

type blockRepo struct{ db *DB }

func (r *blockRepo) Create(ctx context.Context, org types.OrganizationID, block types.Block, data []byte) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		keyIndex, err := lockRealm(ctx, tx, org, block.RealmID)
		if err != nil {
			return err
		}
		if block.KeyIndex != keyIndex {
			last, err := currentTopicTimestamp(ctx, tx, org, types.RealmTopic(block.RealmID))
			if err != nil {
				return err
			}
			return &types.BadKeyIndexError{LastRealmCertificateTimestamp: last}
		}
		const ins = `
INSERT INTO blocks (organization_id, id, realm_id, key_index, author, created_on, size, data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		_, err = tx.Exec(ctx, ins, org, block.ID, block.RealmID, block.KeyIndex,
			block.Author.String(), block.CreatedOn, block.Size, data)
		if isUniqueViolation(err) {
			return types.ErrBlockAlreadyExists
		}
		return err
	})
}

func (r *blockRepo) Read(ctx context.Context, org types.OrganizationID, id types.BlockID) (*types.Block, []byte, error) {
	const q = `
SELECT realm_id, key_index, author, created_on, size, data
FROM blocks WHERE organization_id=$1 AND id=$2`
	block := types.Block{ID: id}
	var author string
	var data []byte
	err := r.db.Pool.QueryRow(ctx, q, org, id).Scan(&block.RealmID, &block.KeyIndex, &author, &block.CreatedOn, &block.Size, &data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, types.ErrBlockNotFound
		}
		return nil, nil, err
	}
	deviceID, err := types.ParseDeviceID(author)
	if err != nil {
		return nil, nil, err
	}
	block.Author = deviceID
	return &block, data, nil
}
