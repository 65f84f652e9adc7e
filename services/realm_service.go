package services

import (
	"context"
	"time"

	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
	"github.com/parsec-cloud/go-parsec-server/util"
)

type RealmService struct {
	store     repository.Store
	events    *EventService
	sequester *SequesterService
}

func NewRealmService(store repository.Store, events *EventService, sequester *SequesterService) *RealmService {
	if store == nil {
		panic("store cannot be nil")
	}
	if events == nil {
		panic("events cannot be nil")
	}
	if sequester == nil {
		panic("sequester cannot be nil")
	}
	return &RealmService{store: store, events: events, sequester: sequester}
}

// Create opens a new realm from a self-signed role certificate granting the
// author OWNER.
func (rs *RealmService) Create(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, signed []byte, now types.Timestamp) error {
	author, err := loadAuthor(ctx, rs.store, org, authorDevice)
	if err != nil {
		return err
	}
	role, err := rs.verifyRoleCertificate(author, signed)
	if err != nil {
		return err
	}
	if role.UserID != author.User.ID || role.Role == nil || *role.Role != types.RoleOwner {
		return types.ErrInvalidCertificate
	}
	if err := util.CheckBallpark(role.Timestamp, now); err != nil {
		return err
	}
	data := repository.CreateRealm{
		RealmID:     role.RealmID,
		Author:      author.Device.ID,
		Certificate: signed,
		Timestamp:   role.Timestamp,
	}
	if err := rs.store.Realms().Create(ctx, org, data); err != nil {
		return err
	}
	rs.events.Publish(org, types.EventRealmCertificate{
		RealmID:   role.RealmID,
		Timestamp: role.Timestamp,
		Members:   []types.UserID{author.User.ID},
	})
	return nil
}

func (rs *RealmService) verifyRoleCertificate(author *authorContext, signed []byte) (*types.RealmRoleCertificate, error) {
	cert, err := util.VerifyCertificate(author.Device.VerifyKey, signed, author.Device.ID)
	if err != nil {
		return nil, err
	}
	role, ok := cert.(types.RealmRoleCertificate)
	if !ok {
		return nil, types.ErrInvalidCertificate
	}
	if role.Role != nil && !role.Role.Valid() {
		return nil, types.ErrInvalidCertificate
	}
	return &role, nil
}

// canAssign tells whether an author role may grant or remove the given
// role. OWNER and MANAGER positions are OWNER business; MANAGER may handle
// CONTRIBUTOR and READER.
func canAssign(authorRole types.RealmRole, role types.RealmRole) bool {
	if role == types.RoleOwner || role == types.RoleManager {
		return authorRole == types.RoleOwner
	}
	return authorRole == types.RoleOwner || authorRole == types.RoleManager
}

// Share grants or changes a member's role and hands it the sealed
// keys-bundle access for the current key index.
func (rs *RealmService) Share(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.RealmShareRequest, now types.Timestamp) error {
	author, err := loadAuthor(ctx, rs.store, org, authorDevice)
	if err != nil {
		return err
	}
	role, err := rs.verifyRoleCertificate(author, req.RealmRoleCertificate)
	if err != nil {
		return err
	}
	if role.Role == nil || role.UserID == author.User.ID {
		return types.ErrInvalidCertificate
	}
	target, err := rs.store.Users().Get(ctx, org, role.UserID)
	if err != nil {
		return err
	}
	if target.IsRevoked() {
		return types.ErrUserAlreadyRevoked
	}
	if target.Profile == types.ProfileOutsider &&
		(*role.Role == types.RoleOwner || *role.Role == types.RoleManager) {
		return types.ErrRoleIncompatibleWithOutsider
	}
	realm, err := rs.store.Realms().Get(ctx, org, role.RealmID)
	if err != nil {
		return err
	}
	authorRole, held := realm.Roles[author.User.ID]
	if !held || !canAssign(authorRole, *role.Role) {
		return types.ErrAuthorNotAllowed
	}
	if previous, has := realm.Roles[role.UserID]; has && !canAssign(authorRole, previous) {
		return types.ErrAuthorNotAllowed
	}
	if err := util.CheckBallpark(role.Timestamp, now); err != nil {
		return err
	}
	data := repository.SetRealmRole{
		RealmID:         role.RealmID,
		UserID:          role.UserID,
		Role:            role.Role,
		Author:          author.Device.ID,
		Certificate:     req.RealmRoleCertificate,
		Timestamp:       role.Timestamp,
		RecipientAccess: req.RecipientKeysBundleAccess,
		KeyIndex:        req.KeyIndex,
	}
	if err := rs.store.Realms().SetRole(ctx, org, data); err != nil {
		return err
	}
	members := realmMembers(realm)
	if _, has := realm.Roles[role.UserID]; !has {
		members = append(members, role.UserID)
	}
	rs.events.Publish(org, types.EventRealmCertificate{
		RealmID:   role.RealmID,
		Timestamp: role.Timestamp,
		Members:   members,
	})
	return nil
}

// Unshare removes a member from the realm.
func (rs *RealmService) Unshare(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.RealmUnshareRequest, now types.Timestamp) error {
	author, err := loadAuthor(ctx, rs.store, org, authorDevice)
	if err != nil {
		return err
	}
	role, err := rs.verifyRoleCertificate(author, req.RealmRoleCertificate)
	if err != nil {
		return err
	}
	if role.Role != nil {
		return types.ErrInvalidCertificate
	}
	realm, err := rs.store.Realms().Get(ctx, org, role.RealmID)
	if err != nil {
		return err
	}
	previous, has := realm.Roles[role.UserID]
	if !has {
		return types.ErrUserNotFound
	}
	authorRole, held := realm.Roles[author.User.ID]
	if !held || !canAssign(authorRole, previous) {
		return types.ErrAuthorNotAllowed
	}
	if err := util.CheckBallpark(role.Timestamp, now); err != nil {
		return err
	}
	data := repository.SetRealmRole{
		RealmID:     role.RealmID,
		UserID:      role.UserID,
		Author:      author.Device.ID,
		Certificate: req.RealmRoleCertificate,
		Timestamp:   role.Timestamp,
	}
	if err := rs.store.Realms().SetRole(ctx, org, data); err != nil {
		return err
	}
	// the removed member is still in the pre-removal snapshot, so it learns
	// about its own unsharing
	rs.events.Publish(org, types.EventRealmCertificate{
		RealmID:   role.RealmID,
		Timestamp: role.Timestamp,
		Members:   realmMembers(realm),
	})
	return nil
}

// Rename stores the realm name encrypted under the current key.
func (rs *RealmService) Rename(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.RealmRenameRequest, now types.Timestamp) error {
	author, err := loadAuthor(ctx, rs.store, org, authorDevice)
	if err != nil {
		return err
	}
	cert, err := util.VerifyCertificate(author.Device.VerifyKey, req.RealmNameCertificate, author.Device.ID)
	if err != nil {
		return err
	}
	name, ok := cert.(types.RealmNameCertificate)
	if !ok {
		return types.ErrInvalidCertificate
	}
	realm, err := rs.requireOwner(ctx, org, name.RealmID, author.User.ID)
	if err != nil {
		return err
	}
	if err := util.CheckBallpark(name.Timestamp, now); err != nil {
		return err
	}
	data := repository.SetRealmName{
		RealmID:           name.RealmID,
		KeyIndex:          name.KeyIndex,
		Author:            author.Device.ID,
		Certificate:       req.RealmNameCertificate,
		Timestamp:         name.Timestamp,
		InitialNameOrFail: req.InitialNameOrFail,
	}
	if err := rs.store.Realms().SetName(ctx, org, data); err != nil {
		return err
	}
	rs.events.Publish(org, types.EventRealmCertificate{
		RealmID:   name.RealmID,
		Timestamp: name.Timestamp,
		Members:   realmMembers(realm),
	})
	return nil
}

// SetArchiving changes the realm archiving configuration. A planned
// deletion must leave at least the organization's minimum archiving period.
func (rs *RealmService) SetArchiving(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, signed []byte, now types.Timestamp) error {
	author, err := loadAuthor(ctx, rs.store, org, authorDevice)
	if err != nil {
		return err
	}
	cert, err := util.VerifyCertificate(author.Device.VerifyKey, signed, author.Device.ID)
	if err != nil {
		return err
	}
	archiving, ok := cert.(types.RealmArchivingCertificate)
	if !ok {
		return types.ErrInvalidCertificate
	}
	realm, err := rs.requireOwner(ctx, org, archiving.RealmID, author.User.ID)
	if err != nil {
		return err
	}
	switch archiving.Configuration {
	case types.ArchivingAvailable, types.ArchivingArchived:
		if archiving.DeletionDate != nil {
			return types.ErrInvalidCertificate
		}
	case types.ArchivingDeletionPlanned:
		if archiving.DeletionDate == nil {
			return types.ErrInvalidCertificate
		}
		minimum := archiving.Timestamp.Add(time.Duration(author.Org.MinimumArchivingPeriod) * 24 * time.Hour)
		if *archiving.DeletionDate < minimum {
			return types.ErrInvalidCertificate
		}
	default:
		return types.ErrInvalidCertificate
	}
	if err := util.CheckBallpark(archiving.Timestamp, now); err != nil {
		return err
	}
	data := repository.SetRealmArchiving{
		RealmID:       archiving.RealmID,
		Configuration: archiving.Configuration,
		DeletionDate:  archiving.DeletionDate,
		Author:        author.Device.ID,
		Certificate:   signed,
		Timestamp:     archiving.Timestamp,
	}
	if err := rs.store.Realms().SetArchiving(ctx, org, data); err != nil {
		return err
	}
	rs.events.Publish(org, types.EventRealmCertificate{
		RealmID:   archiving.RealmID,
		Timestamp: archiving.Timestamp,
		Members:   realmMembers(realm),
	})
	return nil
}

func (rs *RealmService) requireOwner(ctx context.Context, org types.OrganizationID, realm types.RealmID, user types.UserID) (*types.Realm, error) {
	r, err := rs.store.Realms().Get(ctx, org, realm)
	if err != nil {
		return nil, err
	}
	if r.Roles[user] != types.RoleOwner {
		return nil, types.ErrAuthorNotAllowed
	}
	return r, nil
}

func realmMembers(realm *types.Realm) []types.UserID {
	members := make([]types.UserID, 0, len(realm.Roles))
	for user := range realm.Roles {
		members = append(members, user)
	}
	return members
}

// RotateKey commits the next keys bundle. Active webhook sequester services
// are consulted before the rotation reaches the store; any veto aborts it.
func (rs *RealmService) RotateKey(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.RealmRotateKeyRequest, now types.Timestamp) error {
	author, err := loadAuthor(ctx, rs.store, org, authorDevice)
	if err != nil {
		return err
	}
	cert, err := util.VerifyCertificate(author.Device.VerifyKey, req.RealmKeyRotationCertificate, author.Device.ID)
	if err != nil {
		return err
	}
	rotation, ok := cert.(types.RealmKeyRotationCertificate)
	if !ok {
		return types.ErrInvalidCertificate
	}
	realm, err := rs.requireOwner(ctx, org, rotation.RealmID, author.User.ID)
	if err != nil {
		return err
	}
	if err := util.CheckBallpark(rotation.Timestamp, now); err != nil {
		return err
	}
	if author.Org.IsSequestered {
		services, sErr := rs.store.Sequester().List(ctx, org)
		if sErr != nil {
			return sErr
		}
		if sErr := rs.sequester.NotifyKeyRotation(ctx, org, rotation.RealmID, rotation.KeyIndex,
			services, req.PerSequesterServiceKeysBundleAccess); sErr != nil {
			return sErr
		}
	}
	data := repository.RotateRealmKey{
		RealmID:             rotation.RealmID,
		KeyIndex:            rotation.KeyIndex,
		Author:              author.Device.ID,
		Certificate:         req.RealmKeyRotationCertificate,
		Timestamp:           rotation.Timestamp,
		Bundle:              req.KeysBundle,
		PerParticipant:      req.PerParticipantKeysBundleAccess,
		PerSequesterService: req.PerSequesterServiceKeysBundleAccess,
		Sequestered:         author.Org.IsSequestered,
	}
	if err := rs.store.Realms().RotateKey(ctx, org, data); err != nil {
		return err
	}
	rs.events.Publish(org, types.EventRealmCertificate{
		RealmID:   rotation.RealmID,
		Timestamp: rotation.Timestamp,
		Members:   realmMembers(realm),
	})
	return nil
}

// GetKeysBundle returns the bundle at a key index together with the
// caller's sealed access.
func (rs *RealmService) GetKeysBundle(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.RealmGetKeysBundleRequest) (*types.RealmGetKeysBundleResponse, error) {
	author, err := loadAuthor(ctx, rs.store, org, authorDevice)
	if err != nil {
		return nil, err
	}
	realm, err := rs.store.Realms().Get(ctx, org, req.RealmID)
	if err != nil {
		return nil, err
	}
	if _, held := realm.Roles[author.User.ID]; !held {
		return nil, types.ErrAuthorNotAllowed
	}
	bundle, access, err := rs.store.Realms().GetKeysBundle(ctx, org, req.RealmID, req.KeyIndex, author.User.ID)
	if err != nil {
		return nil, err
	}
	return &types.RealmGetKeysBundleResponse{KeysBundle: bundle, KeysBundleAccess: access}, nil
}

// roleWindow is a half-open membership period of a user in a realm; End
// zero means the membership is still current. The certificate that closed
// the window (the unshare) falls inside it.
type roleWindow struct {
	Start types.Timestamp
	End   types.Timestamp
}

func roleWindows(changes []types.RoleChange, user types.UserID) []roleWindow {
	var windows []roleWindow
	open := false
	for _, change := range changes {
		if change.UserID != user {
			continue
		}
		if change.Role != nil {
			if !open {
				windows = append(windows, roleWindow{Start: change.Timestamp})
				open = true
			}
			continue
		}
		if open {
			windows[len(windows)-1].End = change.Timestamp
			open = false
		}
	}
	return windows
}

func (w roleWindow) contains(ts types.Timestamp) bool {
	return ts >= w.Start && (w.End.IsZero() || ts <= w.End)
}

// CertificateGet returns, per topic, the certificates strictly after the
// client cursors. Realm certificates are restricted to the periods during
// which the caller held a role, and OUTSIDER callers receive redacted
// variants where one exists.
func (rs *RealmService) CertificateGet(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.CertificateGetRequest) (*types.CertificateGetResponse, error) {
	author, err := loadAuthor(ctx, rs.store, org, authorDevice)
	if err != nil {
		return nil, err
	}
	redact := author.User.Profile == types.ProfileOutsider

	common, err := rs.readTopic(ctx, org, types.CommonTopic(), req.CommonAfter, redact)
	if err != nil {
		return nil, err
	}
	sequester, err := rs.readTopic(ctx, org, types.SequesterTopic(), req.SequesterAfter, redact)
	if err != nil {
		return nil, err
	}

	realmIDs, err := rs.store.Certificates().RealmIDs(ctx, org)
	if err != nil {
		return nil, err
	}
	realms := make(map[types.RealmID][][]byte)
	for _, realmID := range realmIDs {
		changes, cErr := rs.store.Realms().RoleChanges(ctx, org, realmID)
		if cErr != nil {
			return nil, cErr
		}
		windows := roleWindows(changes, author.User.ID)
		if len(windows) == 0 {
			continue
		}
		var after *types.Timestamp
		if cursor, has := req.RealmAfter[realmID]; has {
			after = &cursor
		}
		certs, rErr := rs.store.Certificates().Read(ctx, org, types.RealmTopic(realmID), after)
		if rErr != nil {
			return nil, rErr
		}
		var visible [][]byte
		for _, cert := range certs {
			for _, window := range windows {
				if window.contains(cert.Timestamp) {
					visible = append(visible, pickSigned(cert, redact))
					break
				}
			}
		}
		if len(visible) > 0 {
			realms[realmID] = visible
		}
	}

	shamir, err := rs.readShamirTopics(ctx, org, author.User.ID, req.ShamirAfter)
	if err != nil {
		return nil, err
	}

	return &types.CertificateGetResponse{
		CommonCertificates:    common,
		SequesterCertificates: sequester,
		ShamirCertificates:    shamir,
		RealmCertificates:     realms,
	}, nil
}

func (rs *RealmService) readTopic(ctx context.Context, org types.OrganizationID, topic types.Topic, after *types.Timestamp, redact bool) ([][]byte, error) {
	certs, err := rs.store.Certificates().Read(ctx, org, topic, after)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(certs))
	for _, cert := range certs {
		out = append(out, pickSigned(cert, redact))
	}
	return out, nil
}

// readShamirTopics serves the caller's own recovery timeline plus, for each
// cursor the client tracks, the timelines it is allowed to see as a share
// recipient.
func (rs *RealmService) readShamirTopics(ctx context.Context, org types.OrganizationID, caller types.UserID, after map[types.UserID]types.Timestamp) ([][]byte, error) {
	users := map[types.UserID]*types.Timestamp{caller: nil}
	for user, cursor := range after {
		c := cursor
		users[user] = &c
	}
	var out [][]byte
	for user, cursor := range users {
		if user != caller {
			setup, err := rs.store.Shamir().Get(ctx, org, user)
			if err == types.ErrShamirSetupNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			if _, recipient := setup.Recipients[caller]; !recipient {
				continue
			}
		}
		certs, err := rs.store.Certificates().Read(ctx, org, types.ShamirTopic(user), cursor)
		if err != nil {
			return nil, err
		}
		for _, cert := range certs {
			out = append(out, cert.Signed)
		}
	}
	return out, nil
}

func pickSigned(cert repository.StoredCertificate, redact bool) []byte {
	if redact && len(cert.RedactedSigned) > 0 {
		return cert.RedactedSigned
	}
	return cert.Signed
}
