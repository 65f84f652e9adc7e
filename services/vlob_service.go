package services

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/parsec-cloud/go-parsec-server/global"
	"github.com/parsec-cloud/go-parsec-server/metrics"
	"github.com/parsec-cloud/go-parsec-server/repository"
	"github.com/parsec-cloud/go-parsec-server/types"
	"github.com/parsec-cloud/go-parsec-server/util"
)

type VlobService struct {
	store  repository.Store
	events *EventService
	env    *types.Environment
}

func NewVlobService(store repository.Store, events *EventService, env *types.Environment) *VlobService {
	if store == nil {
		panic("store cannot be nil")
	}
	if events == nil {
		panic("events cannot be nil")
	}
	if env == nil {
		panic("env cannot be nil")
	}
	return &VlobService{store: store, events: events, env: env}
}

// writerRealm loads the realm and checks that the user may write to it:
// at least CONTRIBUTOR, and the realm not archived.
func (vs *VlobService) writerRealm(ctx context.Context, org types.OrganizationID, realm types.RealmID, user types.UserID) (*types.Realm, error) {
	r, err := vs.store.Realms().Get(ctx, org, realm)
	if err != nil {
		return nil, err
	}
	role, held := r.Roles[user]
	if !held || !role.CanWrite() {
		return nil, types.ErrAuthorNotAllowed
	}
	if r.Archiving != types.ArchivingAvailable {
		return nil, types.ErrAuthorNotAllowed
	}
	return r, nil
}

func (vs *VlobService) readerRealm(ctx context.Context, org types.OrganizationID, realm types.RealmID, user types.UserID) (*types.Realm, error) {
	r, err := vs.store.Realms().Get(ctx, org, realm)
	if err != nil {
		return nil, err
	}
	if _, held := r.Roles[user]; !held {
		return nil, types.ErrAuthorNotAllowed
	}
	return r, nil
}

// CreateVlob commits version 1 of a vlob under the realm's current key.
func (vs *VlobService) CreateVlob(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.VlobCreateRequest, now types.Timestamp) error {
	author, err := loadAuthor(ctx, vs.store, org, authorDevice)
	if err != nil {
		return err
	}
	realm, err := vs.writerRealm(ctx, org, req.RealmID, author.User.ID)
	if err != nil {
		return err
	}
	if err := util.CheckBallpark(req.Timestamp, now); err != nil {
		return err
	}
	write := repository.VlobWrite{
		RealmID:   req.RealmID,
		VlobID:    req.VlobID,
		KeyIndex:  req.KeyIndex,
		Version:   1,
		Author:    author.Device.ID,
		Timestamp: req.Timestamp,
		Blob:      req.Blob,
	}
	if err := vs.store.Vlobs().Create(ctx, org, write); err != nil {
		return err
	}
	metrics.VlobWritesMetricsCount.Inc()
	vs.events.Publish(org, types.EventVlobCreated{
		RealmID:   req.RealmID,
		VlobID:    req.VlobID,
		KeyIndex:  req.KeyIndex,
		Version:   1,
		Timestamp: req.Timestamp,
		Members:   realmMembers(realm),
	})
	return nil
}

// UpdateVlob commits the next version. A stale version number loses the
// race and the client must re-read before retrying.
func (vs *VlobService) UpdateVlob(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.VlobUpdateRequest, now types.Timestamp) error {
	author, err := loadAuthor(ctx, vs.store, org, authorDevice)
	if err != nil {
		return err
	}
	realmID, _, err := vs.store.Vlobs().Read(ctx, org, req.VlobID, nil, nil)
	if err != nil {
		return err
	}
	realm, err := vs.writerRealm(ctx, org, realmID, author.User.ID)
	if err != nil {
		return err
	}
	if err := util.CheckBallpark(req.Timestamp, now); err != nil {
		return err
	}
	write := repository.VlobWrite{
		RealmID:   realmID,
		VlobID:    req.VlobID,
		KeyIndex:  req.KeyIndex,
		Version:   req.Version,
		Author:    author.Device.ID,
		Timestamp: req.Timestamp,
		Blob:      req.Blob,
	}
	if err := vs.store.Vlobs().Update(ctx, org, write); err != nil {
		return err
	}
	metrics.VlobWritesMetricsCount.Inc()
	vs.events.Publish(org, types.EventVlobUpdated{
		RealmID:   realmID,
		VlobID:    req.VlobID,
		KeyIndex:  req.KeyIndex,
		Version:   req.Version,
		Timestamp: req.Timestamp,
		Members:   realmMembers(realm),
	})
	return nil
}

// ReadVlob resolves a version (latest, exact, or last at a timestamp).
func (vs *VlobService) ReadVlob(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.VlobReadRequest) (*types.VlobReadResponse, error) {
	author, err := loadAuthor(ctx, vs.store, org, authorDevice)
	if err != nil {
		return nil, err
	}
	realmID, version, err := vs.store.Vlobs().Read(ctx, org, req.VlobID, req.Version, req.At)
	if err != nil {
		return nil, err
	}
	if _, err := vs.readerRealm(ctx, org, realmID, author.User.ID); err != nil {
		return nil, err
	}
	return &types.VlobReadResponse{
		Blob:      version.Blob,
		KeyIndex:  version.KeyIndex,
		Author:    version.Author,
		Version:   version.Version,
		Timestamp: version.Timestamp,
	}, nil
}

// PollChanges returns the versions committed since the client checkpoint.
func (vs *VlobService) PollChanges(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.VlobPollChangesRequest) (*types.VlobPollChangesResponse, error) {
	author, err := loadAuthor(ctx, vs.store, org, authorDevice)
	if err != nil {
		return nil, err
	}
	if _, err := vs.readerRealm(ctx, org, req.RealmID, author.User.ID); err != nil {
		return nil, err
	}
	current, changes, err := vs.store.Vlobs().PollChanges(ctx, org, req.RealmID, req.LastCheckpoint)
	if err != nil {
		return nil, err
	}
	return &types.VlobPollChangesResponse{CurrentCheckpoint: current, Changes: changes}, nil
}

func blockObjectKey(org types.OrganizationID, id types.BlockID) string {
	return fmt.Sprintf("%s/%s", org, id)
}

// CreateBlock stores one immutable ciphertext block. With S3 configured the
// bytes go to the bucket and only the row lands in the repository.
func (vs *VlobService) CreateBlock(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.BlockCreateRequest, now types.Timestamp) error {
	author, err := loadAuthor(ctx, vs.store, org, authorDevice)
	if err != nil {
		return err
	}
	if _, err := vs.writerRealm(ctx, org, req.RealmID, author.User.ID); err != nil {
		return err
	}
	block := types.Block{
		ID:        req.BlockID,
		RealmID:   req.RealmID,
		KeyIndex:  req.KeyIndex,
		Author:    author.Device.ID,
		CreatedOn: now,
		Size:      len(req.Block),
	}
	if vs.env.S3Uploader != nil {
		_, err := vs.env.S3Uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(global.Conf.Storage.Bucket),
			Key:    aws.String(blockObjectKey(org, req.BlockID)),
			Body:   bytes.NewReader(req.Block),
		})
		if err != nil {
			global.Logger.Log("msg", "block upload failed", "block", req.BlockID.String(), "err", err)
			return err
		}
		if err := vs.store.Blocks().Create(ctx, org, block, nil); err != nil {
			return err
		}
		metrics.BlockUploadsMetricsCount.Inc()
		return nil
	}
	if err := vs.store.Blocks().Create(ctx, org, block, req.Block); err != nil {
		return err
	}
	metrics.BlockUploadsMetricsCount.Inc()
	return nil
}

// ReadBlock returns a block's ciphertext.
func (vs *VlobService) ReadBlock(ctx context.Context, org types.OrganizationID, authorDevice types.DeviceID, req *types.BlockReadRequest) (*types.BlockReadResponse, error) {
	author, err := loadAuthor(ctx, vs.store, org, authorDevice)
	if err != nil {
		return nil, err
	}
	block, data, err := vs.store.Blocks().Read(ctx, org, req.BlockID)
	if err != nil {
		return nil, err
	}
	if _, err := vs.readerRealm(ctx, org, block.RealmID, author.User.ID); err != nil {
		return nil, err
	}
	if data == nil && vs.env.S3Downloader != nil {
		buffer := manager.NewWriteAtBuffer(nil)
		_, dErr := vs.env.S3Downloader.Download(ctx, buffer, &s3.GetObjectInput{
			Bucket: aws.String(global.Conf.Storage.Bucket),
			Key:    aws.String(blockObjectKey(org, req.BlockID)),
		})
		if dErr != nil {
			global.Logger.Log("msg", "block download failed", "block", req.BlockID.String(), "err", dErr)
			return nil, dErr
		}
		data = buffer.Bytes()
	}
	return &types.BlockReadResponse{Block: data, KeyIndex: block.KeyIndex}, nil
}
