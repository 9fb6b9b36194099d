// Package blobstore implements the S3-compatible blob store adapter:
// presigned GET/PUT, multipart upload for large objects, existence/size
// checks, and prefix delete/copy used by repository deletion and rename.
package blobstore

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	kconfig "github.com/kohakuhub/kohakuhub/internal/config"
)

// Store is the blob store adapter's capability surface. A thin
// interface boundary over the S3 client so internal/commitengine and
// internal/lfs can be tested against an in-memory double.
type Store interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	// PresignPut presigns a PUT for key. When sha256Hex is non-empty (the
	// LFS OID or a known inline-file digest), the checksum is bound into
	// the presigned request so the upload fails server-side if the
	// client's bytes don't hash to the expected OID.
	PresignPut(ctx context.Context, key, sha256Hex string, ttl time.Duration) (string, error)
	Head(ctx context.Context, key string) (size int64, exists bool, err error)
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	CopyPrefix(ctx context.Context, srcPrefix, dstPrefix string) error
	StartMultipart(ctx context.Context, key string) (uploadID string, err error)
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, ttl time.Duration) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

// CompletedPart records one finished multipart part, reported by the
// client after it PUTs to a presigned part URL.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// S3Store is the production Store backed by aws-sdk-go-v2.
type S3Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
}

// NewS3Store builds an S3Store from content-plane configuration,
// resolving a static-credentials aws.Config pointed at the configured
// endpoint (self-hosted MinIO/Ceph/etc., not necessarily AWS).
func NewS3Store(ctx context.Context, cfg kconfig.S3Config) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		o.BaseEndpoint = aws.String(cfg.Endpoint)
	})

	return &S3Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        cfg.Bucket,
	}, nil
}

func (s *S3Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presigning GET %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *S3Store) PresignPut(ctx context.Context, key, sha256Hex string, ttl time.Duration) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if sha256Hex != "" {
		raw, err := hex.DecodeString(sha256Hex)
		if err != nil {
			return "", fmt.Errorf("decoding sha256 checksum %s: %w", sha256Hex, err)
		}
		input.ChecksumAlgorithm = types.ChecksumAlgorithmSha256
		input.ChecksumSHA256 = aws.String(base64.StdEncoding.EncodeToString(raw))
	}
	req, err := s.presignClient.PresignPutObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presigning PUT %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (int64, bool, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("head %s: %w", key, err)
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return size, true, nil
}

// uploadConcurrency bounds how many parts manager.Uploader sends in
// flight for one object, expressed through the SDK's own concurrency
// knob rather than a hand-rolled worker pool, since manager.Uploader
// already owns the part-splitting and retry logic a parallel registry
// would otherwise have to duplicate.
const uploadConcurrency = 4

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.Concurrency = uploadConcurrency
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix lists and batch-deletes every object under prefix, used
// when a repository is deleted. Pages through List results
// since a repo's object count can exceed a single List page.
func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing prefix %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		var ids []s3.ObjectIdentifier
		for _, obj := range page.Contents {
			ids = append(ids, s3.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3.Delete{Objects: ids},
		})
		if err != nil {
			return fmt.Errorf("batch deleting prefix %s: %w", prefix, err)
		}
	}
	return nil
}

// CopyPrefix server-side copies every object under srcPrefix to the
// equivalent key under dstPrefix, used by repository rename: the backend
// repo's canonical name changes, so its blob keys do too.
func (s *S3Store) CopyPrefix(ctx context.Context, srcPrefix, dstPrefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(srcPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing prefix %s: %w", srcPrefix, err)
		}
		for _, obj := range page.Contents {
			srcKey := aws.ToString(obj.Key)
			dstKey := dstPrefix + strings.TrimPrefix(srcKey, srcPrefix)
			_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(s.bucket),
				Key:        aws.String(dstKey),
				CopySource: aws.String(s.bucket + "/" + srcKey),
			})
			if err != nil {
				return fmt.Errorf("copying %s to %s: %w", srcKey, dstKey, err)
			}
		}
	}
	return nil
}

func (s *S3Store) StartMultipart(ctx context.Context, key string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("starting multipart upload for %s: %w", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *S3Store) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, ttl time.Duration) (string, error) {
	req, err := s.presignClient.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presigning part %d of %s: %w", partNumber, key, err)
	}
	return req.URL, nil
}

func (s *S3Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	var completed []s3.CompletedPart
	for _, p := range parts {
		completed = append(completed, s3.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("completing multipart upload for %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("aborting multipart upload for %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

// LFSKey computes the dedup storage key for an LFS object:
// lfs/{oid[:2]}/{oid[2:4]}/{oid}.
func LFSKey(oid string) string {
	if len(oid) < 4 {
		return "lfs/" + oid
	}
	return "lfs/" + oid[:2] + "/" + oid[2:4] + "/" + oid
}

// RepoObjectKey computes a non-LFS file's storage key within a
// repository's canonical backend name: {canonicalRepoName}/{path}, with
// no commit or revision component, since the branch backend (not the
// blob store key) is what tracks a path's version history.
func RepoObjectKey(canonicalRepoName, path string) string {
	return canonicalRepoName + "/" + path
}
