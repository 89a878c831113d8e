package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sony/gobreaker"
)

// s3API is the subset of the S3 client the backend uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Options configures an S3Backend.
type S3Options struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // optional, for S3-compatible stores
}

// S3Backend stores one object per frame and one object per header:
//
//	s3://<bucket>/<prefix>/segments/<id>/<idx>.frame
//	s3://<bucket>/<prefix>/headers/<id>.json
//
// Objects are written with SSE-S3. A successful PutObject is durable, which
// satisfies the append contract. Writes go through a circuit breaker so a
// failing bucket is reported quickly; reads are retried with backoff. Appends
// are never retried here: a retry of an unacknowledged write is the
// caller's decision.
type S3Backend struct {
	client s3API
	bucket string
	prefix string
	cb     *gobreaker.CircuitBreaker

	mu   sync.Mutex
	next map[uint64]int // next frame index per segment, learned lazily
}

// OpenS3 builds a client from the default AWS credential chain.
func OpenS3(ctx context.Context, opts S3Options) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	var loadOpts []func(*awsConfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsConfig.WithRegion(opts.Region))
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Backend(client, opts.Bucket, opts.Prefix), nil
}

func newS3Backend(client s3API, bucket, prefix string) *S3Backend {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "s3-segments",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &S3Backend{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		cb:     cb,
		next:   make(map[uint64]int),
	}
}

func (b *S3Backend) segmentPrefix(id uint64) string {
	return path.Join(b.prefix, "segments", segmentName(id)) + "/"
}

func (b *S3Backend) frameKey(id uint64, idx int) string {
	return b.segmentPrefix(id) + fmt.Sprintf("%012d.frame", idx)
}

func (b *S3Backend) headerKey(id uint64) string {
	return path.Join(b.prefix, "headers", segmentName(id)+".json")
}

func (b *S3Backend) put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(b.bucket),
			Key:                  aws.String(key),
			Body:                 bytes.NewReader(body),
			ContentType:          aws.String(contentType),
			ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		})
	})
	return err
}

func (b *S3Backend) retrying(ctx context.Context, fn func() error) error {
	return retry.New(
		retry.Context(ctx),
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
	).Do(fn)
}

func (b *S3Backend) get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.retrying(ctx, func() error {
		out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	return data, err
}

// keys lists object keys under prefix in lexical order.
func (b *S3Backend) keys(ctx context.Context, prefix, startAfter string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		in := &s3.ListObjectsV2Input{
			Bucket: aws.String(b.bucket),
			Prefix: aws.String(prefix),
		}
		if startAfter != "" {
			in.StartAfter = aws.String(startAfter)
		}
		p := s3.NewListObjectsV2Paginator(b.client, in)
		for p.HasMorePages() {
			var page *s3.ListObjectsV2Output
			err := b.retrying(ctx, func() error {
				var err error
				page, err = p.NextPage(ctx)
				return err
			})
			if err != nil {
				yield("", fmt.Errorf("listing %s: %w", prefix, err))
				return
			}
			for _, obj := range page.Contents {
				if !yield(aws.ToString(obj.Key), nil) {
					return
				}
			}
		}
	}
}

func (b *S3Backend) nextIndex(ctx context.Context, segment uint64) (int, error) {
	if n, ok := b.next[segment]; ok {
		return n, nil
	}
	n := 0
	for key, err := range b.keys(ctx, b.segmentPrefix(segment), "") {
		if err != nil {
			return 0, err
		}
		idx, ok := frameIndex(key)
		if ok && idx >= n {
			n = idx + 1
		}
	}
	b.next[segment] = n
	return n, nil
}

func frameIndex(key string) (int, bool) {
	base := path.Base(key)
	if !strings.HasSuffix(base, ".frame") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(base, ".frame"))
	return n, err == nil
}

func (b *S3Backend) Append(ctx context.Context, segment uint64, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, err := b.nextIndex(ctx, segment)
	if err != nil {
		return fmt.Errorf("appending to segment %d: %w", segment, err)
	}
	if err := b.put(ctx, b.frameKey(segment, idx), frame, "application/octet-stream"); err != nil {
		return fmt.Errorf("appending to segment %d: %w", segment, err)
	}
	b.next[segment] = idx + 1
	return nil
}

func (b *S3Backend) Frames(ctx context.Context, segment uint64, from, to int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		startAfter := ""
		if from > 0 {
			startAfter = b.frameKey(segment, from-1)
		}
		for key, err := range b.keys(ctx, b.segmentPrefix(segment), startAfter) {
			if err != nil {
				yield(nil, err)
				return
			}
			idx, ok := frameIndex(key)
			if !ok {
				continue
			}
			if to >= 0 && idx >= to {
				return
			}
			data, err := b.get(ctx, key)
			if err != nil {
				yield(nil, fmt.Errorf("reading segment %d frame %d: %w", segment, idx, err))
				return
			}
			if !yield(data, nil) {
				return
			}
		}
	}
}

func (b *S3Backend) PutHeader(ctx context.Context, h SegmentHeader) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshaling segment header: %w", err)
	}
	if err := b.put(ctx, b.headerKey(h.ID), data, "application/json"); err != nil {
		return fmt.Errorf("storing header for segment %d: %w", h.ID, err)
	}
	return nil
}

func (b *S3Backend) Headers(ctx context.Context) ([]SegmentHeader, error) {
	var out []SegmentHeader
	for key, err := range b.keys(ctx, path.Join(b.prefix, "headers")+"/", "") {
		if err != nil {
			return nil, err
		}
		data, err := b.get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("reading header %s: %w", key, err)
		}
		var h SegmentHeader
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("parsing header %s: %w", key, err)
		}
		out = append(out, h)
	}
	// Zero-padded names list in id order already; sort anyway for
	// S3-compatible stores with other listing orders.
	slices.SortFunc(out, func(a, b SegmentHeader) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (b *S3Backend) Delete(ctx context.Context, segment uint64) error {
	var batch []s3types.ObjectIdentifier
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := b.cb.Execute(func() (interface{}, error) {
			return b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(b.bucket),
				Delete: &s3types.Delete{Objects: batch, Quiet: aws.Bool(true)},
			})
		})
		batch = batch[:0]
		return err
	}

	for key, err := range b.keys(ctx, b.segmentPrefix(segment), "") {
		if err != nil {
			return err
		}
		batch = append(batch, s3types.ObjectIdentifier{Key: aws.String(key)})
		if len(batch) == 1000 {
			if err := flush(); err != nil {
				return fmt.Errorf("deleting segment %d: %w", segment, err)
			}
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("deleting segment %d: %w", segment, err)
	}

	b.mu.Lock()
	delete(b.next, segment)
	b.mu.Unlock()
	return nil
}

func (b *S3Backend) Close() error { return nil }
