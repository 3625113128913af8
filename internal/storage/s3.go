package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

const archiveTimeLayout = "20060102T150405Z"

type S3Config struct {
	Bucket    string
	KeyPrefix string
	// ProgressCallback, when set, receives upload progress of every archive.
	ProgressCallback func(key string, done, total int64)
}

// S3Archiver uploads raw feeds to Amazon S3 (or compatible APIs).
type S3Archiver struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      S3Config
}

func NewS3Archiver(client *s3.Client, cfg S3Config) *S3Archiver {
	return &S3Archiver{
		client:   client,
		uploader: manager.NewUploader(client),
		cfg:      cfg,
	}
}

// ArchiveFeed uploads localPath under {prefix}/{source}/{kind}/ and returns
// its s3:// location.
func (s *S3Archiver) ArchiveFeed(ctx context.Context, localPath string, ref FeedRef) (string, error) {
	if s.cfg.Bucket == "" {
		return "", fmt.Errorf("storage bucket is required")
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open feed %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat feed %s: %w", localPath, err)
	}

	key := archiveKey(s.cfg.KeyPrefix, ref, uuid.NewString())
	var reader io.Reader = f
	if cb := s.cfg.ProgressCallback; cb != nil {
		progress := newProgressReporter(info.Size(), func(done, total int64) { cb(key, done, total) })
		progress.report(0)
		reader = io.TeeReader(f, progress)
		defer progress.flush()
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   reader,
		ACL:    types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, key), nil
}

func (s *S3Archiver) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if s.cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}

	var objects []ObjectInfo
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
	}
	if full := joinKey(s.cfg.KeyPrefix, strings.TrimSpace(prefix)); full != "" {
		input.Prefix = aws.String(full)
	}

	for {
		output, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}

		for _, obj := range output.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}

		if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = output.NextContinuationToken
	}

	return objects, nil
}

func (s *S3Archiver) Prune(ctx context.Context, source, kind string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	objects, err := s.ListObjects(ctx, path.Join(source, kind)+"/")
	if err != nil {
		return 0, err
	}
	expired := expiredKeys(objects, keep)
	if len(expired) == 0 {
		return 0, nil
	}

	identifiers := make([]types.ObjectIdentifier, 0, len(expired))
	for _, key := range expired {
		identifiers = append(identifiers, types.ObjectIdentifier{Key: aws.String(key)})
	}
	_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.cfg.Bucket),
		Delete: &types.Delete{
			Objects: identifiers,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("delete objects: %w", err)
	}
	return len(expired), nil
}

var _ Archiver = (*S3Archiver)(nil)

func archiveKey(prefix string, ref FeedRef, unique string) string {
	if len(unique) > 8 {
		unique = unique[:8]
	}
	name := fmt.Sprintf("%s-%s%s", ref.FetchedAt.UTC().Format(archiveTimeLayout), unique, ref.Extension)
	return joinKey(prefix, path.Join(ref.Source, ref.Kind, name))
}

func joinKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	if key == "" {
		return prefix + "/"
	}
	return prefix + "/" + key
}

// expiredKeys returns every key but the newest keep. Keys start with the
// fetch timestamp, so lexical order is chronological.
func expiredKeys(objects []ObjectInfo, keep int) []string {
	if len(objects) <= keep {
		return nil
	}
	keys := make([]string, len(objects))
	for i, obj := range objects {
		keys[i] = obj.Key
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys[keep:]
}

type progressReporter struct {
	total    int64
	done     int64
	cb       func(done, total int64)
	mu       sync.Mutex
	lastFire time.Time
}

func newProgressReporter(total int64, cb func(done, total int64)) *progressReporter {
	return &progressReporter{
		total: total,
		cb:    cb,
	}
}

func (p *progressReporter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done += int64(len(b))
	now := time.Now()
	if now.Sub(p.lastFire) >= 200*time.Millisecond || p.done == p.total {
		p.lastFire = now
		p.cb(p.done, p.total)
	}

	return len(b), nil
}

func (p *progressReporter) report(done int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = done
	p.lastFire = time.Now()
	p.cb(p.done, p.total)
}

func (p *progressReporter) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb(p.done, p.total)
}
