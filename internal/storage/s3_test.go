package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory stand-in for the subset of S3 the backend uses.
// Listing pages are deliberately small to exercise pagination.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	sse      map[string]s3types.ServerSideEncryption
	putErr   error
	getFails int // number of GetObject calls to fail before succeeding
	pageSize int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  make(map[string][]byte),
		sse:      make(map[string]s3types.ServerSideEncryption),
		pageSize: 2,
	}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	f.objects[key] = data
	f.sse[key] = in.ServerSideEncryption
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getFails > 0 {
		f.getFails--
		return nil, errors.New("transient failure")
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	after := aws.ToString(in.StartAfter)
	if in.ContinuationToken != nil {
		after = aws.ToString(in.ContinuationToken)
	}

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	} else {
		out.IsTruncated = aws.Bool(false)
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func TestS3Backend_LayoutAndEncryption(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	b := newS3Backend(fake, "audit", "/prod/")

	require.NoError(t, b.Append(ctx, 1, []byte("a")))
	require.NoError(t, b.Append(ctx, 1, []byte("b")))
	require.NoError(t, b.PutHeader(ctx, SegmentHeader{ID: 1}))

	key := "prod/segments/00000000000000000001/000000000001.frame"
	require.Equal(t, []byte("b"), fake.objects[key])
	require.Equal(t, s3types.ServerSideEncryptionAes256, fake.sse[key])
	require.Contains(t, fake.objects, "prod/headers/00000000000000000001.json")
}

func TestS3Backend_ResumesIndexAfterRestart(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()

	first := newS3Backend(fake, "audit", "")
	for i := 0; i < 3; i++ {
		require.NoError(t, first.Append(ctx, 4, []byte{byte(i)}))
	}

	second := newS3Backend(fake, "audit", "")
	require.NoError(t, second.Append(ctx, 4, []byte{3}))
	require.Equal(t, [][]byte{{0}, {1}, {2}, {3}}, collect(t, second, 4, 0, -1))
}

func TestS3Backend_ReadsRetryWritesDoNot(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	b := newS3Backend(fake, "audit", "")
	require.NoError(t, b.Append(ctx, 1, []byte("x")))

	fake.getFails = 2
	require.Equal(t, [][]byte{[]byte("x")}, collect(t, b, 1, 0, -1))

	fake.putErr = errors.New("bucket unavailable")
	err := b.Append(ctx, 1, []byte("y"))
	require.Error(t, err)
	require.ErrorIs(t, err, fake.putErr)

	// The failed index is reused once the bucket recovers.
	fake.putErr = nil
	require.NoError(t, b.Append(ctx, 1, []byte("y")))
	require.Len(t, collect(t, b, 1, 0, -1), 2)
}

func TestS3Backend_BreakerOpens(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	b := newS3Backend(fake, "audit", "")
	fake.putErr = errors.New("down")

	for i := 0; i < 5; i++ {
		require.Error(t, b.Append(ctx, 1, []byte("x")))
	}
	fake.putErr = nil
	err := b.Append(ctx, 1, []byte("x"))
	require.Error(t, err, "breaker should reject while open")
}
