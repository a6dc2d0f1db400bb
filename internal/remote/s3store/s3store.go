// Package s3store keeps a folder tree in an S3-compatible bucket.
//
// Every node is an object under tree/<parentID>/<id>. Its name, creation
// time and trashed flag live in object metadata; folders are empty objects
// with the folder MIME type. A second object, index/<id>, holds the parent
// id so a node can be found without knowing where it lives.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/vonshlovens/drivemirror/internal/remote"
	"github.com/vonshlovens/drivemirror/internal/tree"
)

// RootID is the implicit root folder. It has no object of its own.
const RootID = "root"

const (
	metaName    = "name"
	metaCreated = "created"
	metaTrashed = "trashed"
)

// API is the subset of the S3 client the store uses.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds connection settings for the bucket.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Store is a remote.Gateway on top of an S3 bucket.
type Store struct {
	api    API
	bucket string
	now    func() time.Time
}

// New builds an S3 client from cfg. A custom endpoint switches to
// path-style addressing for MinIO and friends.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewWithAPI(client, cfg.Bucket), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, bucket string) *Store {
	return &Store{api: api, bucket: bucket, now: time.Now}
}

func treeKey(parentID, id string) string {
	return "tree/" + parentID + "/" + id
}

func treePrefix(parentID string) string {
	return "tree/" + parentID + "/"
}

func indexKey(id string) string {
	return "index/" + id
}

func resolveParent(parentID string) string {
	if parentID == "" {
		return RootID
	}
	return parentID
}

func (s *Store) RootID(ctx context.Context) (string, error) {
	return RootID, nil
}

func (s *Store) List(ctx context.Context, parentID string, includeTrashed bool) ([]remote.Entry, error) {
	parentID = resolveParent(parentID)
	if err := s.requireFolder(ctx, "list", parentID); err != nil {
		return nil, err
	}

	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(treePrefix(parentID)),
	})

	var entries []remote.Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError("list", parentID, err)
		}

		for _, obj := range page.Contents {
			id := strings.TrimPrefix(aws.ToString(obj.Key), treePrefix(parentID))
			if id == "" || strings.Contains(id, "/") {
				continue
			}

			entry, err := s.head(ctx, "list", parentID, id)
			if err != nil {
				return nil, err
			}
			if entry.Trashed && !includeTrashed {
				continue
			}
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

func (s *Store) Get(ctx context.Context, id string) (remote.Entry, error) {
	parentID, err := s.parentOf(ctx, "get", id)
	if err != nil {
		return remote.Entry{}, err
	}
	return s.head(ctx, "get", parentID, id)
}

func (s *Store) CreateFolder(ctx context.Context, name, parentID string) (remote.Entry, error) {
	parentID = resolveParent(parentID)
	if err := s.requireFolder(ctx, "create_folder", parentID); err != nil {
		return remote.Entry{}, err
	}

	id := uuid.NewString()
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(treeKey(parentID, id)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(tree.FolderMimeType),
		Metadata:      s.newMetadata(name),
	})
	if err != nil {
		return remote.Entry{}, mapError("create_folder", id, err)
	}

	if err := s.writeIndex(ctx, "create_folder", id, parentID); err != nil {
		return remote.Entry{}, err
	}
	return s.head(ctx, "create_folder", parentID, id)
}

func (s *Store) UploadFile(ctx context.Context, localPath, name, parentID, mimeType string) (remote.Entry, error) {
	parentID = resolveParent(parentID)

	file, err := os.Open(localPath)
	if err != nil {
		return remote.Entry{}, remote.Rejected("upload", "", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return remote.Entry{}, remote.Rejected("upload", "", err)
	}

	if err := s.requireFolder(ctx, "upload", parentID); err != nil {
		return remote.Entry{}, err
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	id := uuid.NewString()
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(treeKey(parentID, id)),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(mimeType),
		Metadata:      s.newMetadata(name),
	})
	if err != nil {
		return remote.Entry{}, mapError("upload", id, err)
	}

	if err := s.writeIndex(ctx, "upload", id, parentID); err != nil {
		return remote.Entry{}, err
	}
	return s.head(ctx, "upload", parentID, id)
}

func (s *Store) Rename(ctx context.Context, id, newName string) (remote.Entry, error) {
	return s.rewrite(ctx, "rename", id, func(meta map[string]string) {
		meta[metaName] = url.PathEscape(newName)
	})
}

func (s *Store) Trash(ctx context.Context, id string) error {
	_, err := s.rewrite(ctx, "trash", id, func(meta map[string]string) {
		meta[metaTrashed] = "true"
	})
	return err
}

// Move copies the object under its new parent prefix, removes the old key
// and repoints the index.
func (s *Store) Move(ctx context.Context, id, newParentID, oldParentID string) (remote.Entry, error) {
	newParentID = resolveParent(newParentID)

	current, err := s.parentOf(ctx, "move", id)
	if err != nil {
		return remote.Entry{}, err
	}
	if oldParentID != "" && oldParentID != current {
		return remote.Entry{}, remote.Rejected("move", id, fmt.Errorf("%s is not a parent", oldParentID))
	}
	if err := s.requireFolder(ctx, "move", newParentID); err != nil {
		return remote.Entry{}, err
	}
	if current == newParentID {
		return s.head(ctx, "move", current, id)
	}

	_, err = s.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(treeKey(newParentID, id)),
		CopySource:        aws.String(s.bucket + "/" + treeKey(current, id)),
		MetadataDirective: types.MetadataDirectiveCopy,
	})
	if err != nil {
		return remote.Entry{}, mapError("move", id, err)
	}

	_, err = s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(treeKey(current, id)),
	})
	if err != nil {
		return remote.Entry{}, mapError("move", id, err)
	}

	if err := s.writeIndex(ctx, "move", id, newParentID); err != nil {
		return remote.Entry{}, err
	}
	return s.head(ctx, "move", newParentID, id)
}

func (s *Store) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	parentID, err := s.parentOf(ctx, "download", id)
	if err != nil {
		return nil, err
	}

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(treeKey(parentID, id)),
	})
	if err != nil {
		return nil, mapError("download", id, err)
	}
	if aws.ToString(out.ContentType) == tree.FolderMimeType {
		out.Body.Close()
		return nil, remote.Rejected("download", id, errors.New("folders have no content"))
	}
	return out.Body, nil
}

// rewrite copies an object onto itself with edited metadata.
func (s *Store) rewrite(ctx context.Context, op, id string, edit func(map[string]string)) (remote.Entry, error) {
	parentID, err := s.parentOf(ctx, op, id)
	if err != nil {
		return remote.Entry{}, err
	}

	key := treeKey(parentID, id)
	head, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return remote.Entry{}, mapError(op, id, err)
	}

	meta := make(map[string]string, len(head.Metadata))
	for k, v := range head.Metadata {
		meta[k] = v
	}
	edit(meta)

	_, err = s.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(s.bucket + "/" + key),
		ContentType:       head.ContentType,
		Metadata:          meta,
		MetadataDirective: types.MetadataDirectiveReplace,
	})
	if err != nil {
		return remote.Entry{}, mapError(op, id, err)
	}

	return s.head(ctx, op, parentID, id)
}

func (s *Store) head(ctx context.Context, op, parentID, id string) (remote.Entry, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(treeKey(parentID, id)),
	})
	if err != nil {
		return remote.Entry{}, mapError(op, id, err)
	}
	return entryFromHead(id, out), nil
}

func entryFromHead(id string, out *s3.HeadObjectOutput) remote.Entry {
	name := out.Metadata[metaName]
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}

	entry := remote.Entry{
		ID:         id,
		Name:       name,
		MimeType:   aws.ToString(out.ContentType),
		Trashed:    out.Metadata[metaTrashed] == "true",
		ModifiedAt: out.LastModified,
	}

	if created, err := time.Parse(time.RFC3339Nano, out.Metadata[metaCreated]); err == nil {
		entry.CreatedAt = &created
	}
	if entry.MimeType != tree.FolderMimeType && out.ContentLength != nil {
		size := *out.ContentLength
		entry.SizeBytes = &size
	}
	return entry
}

func (s *Store) newMetadata(name string) map[string]string {
	return map[string]string{
		metaName:    url.PathEscape(name),
		metaCreated: s.now().UTC().Format(time.RFC3339Nano),
		metaTrashed: "false",
	}
}

func (s *Store) parentOf(ctx context.Context, op, id string) (string, error) {
	if id == RootID {
		return "", remote.Rejected(op, id, errors.New("the root folder cannot be changed"))
	}

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(indexKey(id)),
	})
	if err != nil {
		return "", mapError(op, id, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", remote.Unavailable(op, id, err)
	}
	return string(data), nil
}

func (s *Store) writeIndex(ctx context.Context, op, id, parentID string) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(indexKey(id)),
		Body:          strings.NewReader(parentID),
		ContentLength: aws.Int64(int64(len(parentID))),
		ContentType:   aws.String("text/plain"),
	})
	if err != nil {
		return mapError(op, id, err)
	}
	return nil
}

func (s *Store) requireFolder(ctx context.Context, op, id string) error {
	if id == RootID {
		return nil
	}

	parentID, err := s.parentOf(ctx, op, id)
	if err != nil {
		return err
	}
	entry, err := s.head(ctx, op, parentID, id)
	if err != nil {
		return err
	}
	if entry.MimeType != tree.FolderMimeType {
		return remote.Rejected(op, id, errors.New("not a folder"))
	}
	return nil
}

// mapError sorts SDK errors into the two remote kinds. Missing keys and
// other client errors are permanent; throttling, auth and transport
// failures are not.
func mapError(op, id string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return remote.Rejected(op, id, err)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == http.StatusUnauthorized, status == http.StatusForbidden,
			status == http.StatusTooManyRequests, status >= 500:
			return remote.Unavailable(op, id, err)
		case status >= 400:
			return remote.Rejected(op, id, err)
		}
	}

	return remote.Unavailable(op, id, err)
}
