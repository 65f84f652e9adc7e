package postgres

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
)

// Store implements repository.Store on PostgreSQL. Composite methods run in
// a single transaction; the per-topic monotonic timestamp invariant is
// enforced through SELECT FOR UPDATE on the topics table, which also
// serializes concurrent writers of a topic.
type Store struct{ db *DB }

func NewStore(db *DB) *Store { return &Store{db: db} }

func (s *Store) Organizations() repository.OrganizationStore   { return &organizationRepo{s.db} }
func (s *Store) Certificates() repository.CertificateStore     { return &certificateRepo{s.db} }
func (s *Store) Users() repository.UserStore                   { return &userRepo{s.db} }
func (s *Store) Realms() repository.RealmStore                 { return &realmRepo{s.db} }
func (s *Store) Vlobs() repository.VlobStore                   { return &vlobRepo{s.db} }
func (s *Store) Blocks() repository.BlockStore                 { return &blockRepo{s.db} }
func (s *Store) Invitations() repository.InvitationStore       { return &invitationRepo{s.db} }
func (s *Store) Shamir() repository.ShamirStore                { return &shamirRepo{s.db} }
func (s *Store) Sequester() repository.SequesterStore          { return &sequesterRepo{s.db} }
func (s *Store) PkiEnrollments() repository.PkiEnrollmentStore { return &pkiRepo{s.db} }
func (s *Store) Close()                                        { s.db.Close() }

// topicColumns flattens a topic into the discriminator columns of the topics
// and certificates tables. The zero UUID fills the unused component so that
// (org, kind, realm, user) stays a usable primary key.
func topicColumns(topic types.Topic) (int16, uuid.UUID, uuid.UUID) {
	return int16(topic.Kind), topic.Realm, topic.User
}

// inTx wraps fn in a transaction with the goph-style rollback/commit defer.
func inTx(ctx context.Context, db *DB, fn func(tx pgx.Tx) error) (err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()
	return fn(tx)
}

// lockTopic takes the row lock for a topic, creating the row on first use,
// and returns its last timestamp.
func lockTopic(ctx context.Context, tx pgx.Tx, org types.OrganizationID, topic types.Topic) (types.Timestamp, error) {
	kind, realm, user := topicColumns(topic)
	const ins = `
INSERT INTO topics (organization_id, kind, realm_id, user_id, last_timestamp)
VALUES ($1, $2, $3, $4, 0)
ON CONFLICT (organization_id, kind, realm_id, user_id) DO NOTHING`
	if _, err := tx.Exec(ctx, ins, org, kind, realm, user); err != nil {
		return 0, err
	}
	const sel = `
SELECT last_timestamp FROM topics
WHERE organization_id=$1 AND kind=$2 AND realm_id=$3 AND user_id=$4
FOR UPDATE`
	var last types.Timestamp
	if err := tx.QueryRow(ctx, sel, org, kind, realm, user).Scan(&last); err != nil {
		return 0, err
	}
	return last, nil
}

// lockAuthor serializes certificate appends of one author across topics with
// an advisory lock and returns the newest timestamp the user signed anywhere
// in the organization.
func lockAuthor(ctx context.Context, tx pgx.Tx, org types.OrganizationID, author types.UserID) (types.Timestamp, error) {
	key := int64(xxhash.Sum64String(string(org) + "/" + author.String()))
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return 0, err
	}
	const q = `
SELECT coalesce(max(timestamp), 0) FROM certificates
WHERE organization_id=$1 AND split_part(author, '@', 1)=$2`
	var last types.Timestamp
	err := tx.QueryRow(ctx, q, org, author.String()).Scan(&last)
	return last, err
}

// appendCertificates commits a batch sharing one timestamp to a locked
// topic. Callers must hold the topic lock via lockTopic. Authored entries
// additionally have to beat the author's newest certificate in any topic.
func appendCertificates(ctx context.Context, tx pgx.Tx, org types.OrganizationID, topic types.Topic, last, ts types.Timestamp, entries ...repository.StoredCertificate) error {
	if ts <= last {
		return &types.RequireGreaterTimestampError{StrictlyGreaterThan: last}
	}
	checked := make(map[types.UserID]struct{})
	for _, e := range entries {
		if e.Author == nil {
			continue
		}
		if _, done := checked[e.Author.UserID]; done {
			continue
		}
		checked[e.Author.UserID] = struct{}{}
		prev, err := lockAuthor(ctx, tx, org, e.Author.UserID)
		if err != nil {
			return err
		}
		if ts <= prev {
			return &types.RequireGreaterTimestampError{StrictlyGreaterThan: prev}
		}
	}
	kind, realm, user := topicColumns(topic)
	const ins = `
INSERT INTO certificates
  (organization_id, topic_kind, topic_realm_id, topic_user_id, certificate_type, author, timestamp, signed, redacted_signed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for _, e := range entries {
		var author *string
		if e.Author != nil {
			s := e.Author.String()
			author = &s
		}
		if _, err := tx.Exec(ctx, ins, org, kind, realm, user, string(e.Type), author, e.Timestamp, e.Signed, e.RedactedSigned); err != nil {
			return err
		}
	}
	const upd = `
UPDATE topics SET last_timestamp=$5
WHERE organization_id=$1 AND kind=$2 AND realm_id=$3 AND user_id=$4`
	_, err := tx.Exec(ctx, upd, org, kind, realm, user, ts)
	return err
}
