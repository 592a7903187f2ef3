package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/epics-archiver-mcp/internal/block"
	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/tier"
	"go.uber.org/zap"
)

// mockS3 is an in-memory S3 implementation for testing.
type mockS3 struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	metadata map[string]map[string]string
	putErr   error
	getErr   error
	delErr   error
	headErr  error
}

func newMockS3() *mockS3 {
	return &mockS3{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (m *mockS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, _ := io.ReadAll(params.Body)
	m.mu.Lock()
	m.objects[*params.Key] = data
	m.metadata[*params.Key] = params.Metadata
	m.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.RLock()
	data, ok := m.objects[*params.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.delErr != nil {
		return nil, m.delErr
	}
	m.mu.Lock()
	delete(m.objects, *params.Key)
	m.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	m.mu.RLock()
	data, ok := m.objects[*params.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *mockS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(params.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(m.objects[k]))),
		})
	}
	return out, nil
}

func (m *mockS3) put(key string, data []byte) {
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
}

func makeTestBlock(t *testing.T, pv string) (tier.Key, *block.Block) {
	t.Helper()
	end := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	key := tier.Key{PV: pv, Start: end.Add(-time.Hour), End: end}
	blk, err := block.New(key, []byte("payload:"+pv), end, block.CodecS2)
	if err != nil {
		t.Fatal(err)
	}
	return key, blk
}

func newTestBlobStore(t *testing.T) (*Store, *mockS3) {
	t.Helper()
	mock := newMockS3()
	store := NewStore(mock, "test-bucket", config.BlobTierConfig{
		Prefix: "test/",
	}, zap.NewNop())
	t.Cleanup(func() { store.Close() })
	return store, mock
}

func TestBlobStore_PutGet(t *testing.T) {
	store, mock := newTestBlobStore(t)
	ctx := context.Background()
	key, blk := makeTestBlock(t, "SR:C01:CURRENT")

	if err := store.Put(ctx, key, blk); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != "payload:SR:C01:CURRENT" {
		t.Fatalf("unexpected payload %q", got.Data)
	}

	mock.mu.RLock()
	md := mock.metadata[store.ObjectKey(key)]
	mock.mu.RUnlock()
	if md["pv"] != key.PV {
		t.Errorf("expected pv metadata %q, got %q", key.PV, md["pv"])
	}
}

func TestBlobStore_Delete(t *testing.T) {
	store, mock := newTestBlobStore(t)
	ctx := context.Background()
	key, blk := makeTestBlock(t, "PV")

	if err := store.Put(ctx, key, blk); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}

	mock.mu.RLock()
	remaining := len(mock.objects)
	mock.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("expected 0 objects after delete, got %d", remaining)
	}
}

func TestBlobStore_Exists(t *testing.T) {
	store, _ := newTestBlobStore(t)
	ctx := context.Background()
	key, blk := makeTestBlock(t, "PV")

	exists, _ := store.Exists(ctx, key)
	if exists {
		t.Error("expected not exists before put")
	}

	store.Put(ctx, key, blk)

	exists, _ = store.Exists(ctx, key)
	if !exists {
		t.Error("expected exists after put")
	}
}

func TestBlobStore_ListObjectsAndStats(t *testing.T) {
	store, mock := newTestBlobStore(t)
	ctx := context.Background()

	var total int64
	for i := 0; i < 3; i++ {
		key, blk := makeTestBlock(t, fmt.Sprintf("PV:%d", i))
		if err := store.Put(ctx, key, blk); err != nil {
			t.Fatal(err)
		}
		total += blk.SizeBytes
	}
	// Objects outside the prefix or without the block suffix are ignored.
	mock.put("other/responses/ab/x.blk", []byte("x"))
	mock.put("test/responses/ab/notes.txt", []byte("x"))

	objs, err := store.ListObjects(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(objs) != 3 {
		t.Fatalf("expected 3 objects, got %d", len(objs))
	}

	st, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.EntryCount != 3 || st.TotalBytes != total || st.CapacityMax != -1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestBlobStore_Concurrent_Get(t *testing.T) {
	store, _ := newTestBlobStore(t)
	ctx := context.Background()

	var keys []tier.Key
	for i := 0; i < 10; i++ {
		key, blk := makeTestBlock(t, fmt.Sprintf("PV:%d", i))
		if err := store.Put(ctx, key, blk); err != nil {
			t.Fatal(err)
		}
		keys = append(keys, key)
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := keys[n%10]
			blk, err := store.Get(ctx, key)
			if err != nil {
				t.Errorf("goroutine %d: %v", n, err)
				return
			}
			if blk.Key.PV != key.PV {
				t.Errorf("goroutine %d: expected %s, got %s", n, key.PV, blk.Key.PV)
			}
		}(i)
	}
	wg.Wait()
}

func TestBlobStore_PutS3Error(t *testing.T) {
	mock := newMockS3()
	mock.putErr = fmt.Errorf("simulated S3 error")
	store := NewStore(mock, "test-bucket", config.BlobTierConfig{}, zap.NewNop())
	defer store.Close()

	key, blk := makeTestBlock(t, "PV")
	err := store.Put(context.Background(), key, blk)
	if err == nil {
		t.Fatal("expected error from Put")
	}
	if !strings.Contains(err.Error(), "S3") {
		t.Fatalf("expected S3 error, got: %v", err)
	}
}

func TestBlobStore_GetS3Error(t *testing.T) {
	mock := newMockS3()
	mock.getErr = fmt.Errorf("simulated S3 error")
	store := NewStore(mock, "test-bucket", config.BlobTierConfig{}, zap.NewNop())
	defer store.Close()

	key, _ := makeTestBlock(t, "PV")
	_, err := store.Get(context.Background(), key)
	if err == nil {
		t.Fatal("expected error from Get")
	}
	if !strings.Contains(err.Error(), "S3") {
		t.Fatalf("expected S3 error, got: %v", err)
	}
}

func TestBlobStore_ObjectKeyFormat(t *testing.T) {
	key := tier.Key{PV: "SR:C01:CURRENT", Start: time.Unix(0, 0), End: time.Unix(3600, 0)}
	id := key.ID()

	store := &Store{cfg: config.BlobTierConfig{Prefix: "prod/"}}
	if got := store.ObjectKey(key); got != "prod/responses/"+id[:2]+"/"+id+".blk" {
		t.Fatalf("unexpected key with prefix: %s", got)
	}

	store2 := &Store{cfg: config.BlobTierConfig{}}
	if got := store2.ObjectKey(key); got != "responses/"+id[:2]+"/"+id+".blk" {
		t.Fatalf("unexpected key without prefix: %s", got)
	}
}

func TestErrorType(t *testing.T) {
	if got := errorType(context.DeadlineExceeded); got != "timeout" {
		t.Errorf("expected timeout, got %s", got)
	}
	if got := errorType(fmt.Errorf("wrapped: %w", &s3types.NoSuchBucket{})); got != "NoSuchBucket" {
		t.Errorf("expected NoSuchBucket, got %s", got)
	}
}
