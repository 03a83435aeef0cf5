package memstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/bucket-mirror/pkg/storage"
)

func TestListPages(t *testing.T) {
	s := New()
	s.SetPageSize(2)
	for _, k := range []string{"p/c", "p/a", "p/b", "q/x"} {
		s.Put("b", k, []byte(k), "fp")
	}
	ctx := context.Background()

	page, err := s.ListObjects(ctx, &storage.ListObjectsRequest{Bucket: "b", Prefix: "p/"})
	require.NoError(t, err)
	require.Len(t, page.Objects, 2)
	assert.Equal(t, "p/a", page.Objects[0].Key)
	assert.Empty(t, page.Objects[0].Fingerprint)
	require.NotEmpty(t, page.NextToken)

	page, err = s.ListObjects(ctx, &storage.ListObjectsRequest{Bucket: "b", Prefix: "p/", ContinuationToken: page.NextToken})
	require.NoError(t, err)
	require.Len(t, page.Objects, 1)
	assert.Equal(t, "p/c", page.Objects[0].Key)
	assert.Empty(t, page.NextToken)
}

func TestPutHeadGetDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutObject(ctx, &storage.PutObjectRequest{
		Bucket: "b", Key: "k", Body: bytes.NewReader([]byte("data")), Fingerprint: "fp", ContentType: "text/plain",
	}))

	info, err := s.HeadObject(ctx, &storage.HeadObjectRequest{Bucket: "b", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size)
	assert.Equal(t, "fp", info.Fingerprint)

	body, err := s.GetObject(ctx, &storage.GetObjectRequest{Bucket: "b", Key: "k"})
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	assert.Equal(t, "data", string(data))

	require.NoError(t, s.DeleteObject(ctx, &storage.DeleteObjectRequest{Bucket: "b", Key: "k"}))
	_, err = s.HeadObject(ctx, &storage.HeadObjectRequest{Bucket: "b", Key: "k"})
	assert.True(t, storage.IsNotFound(err))
	assert.Equal(t, 2, s.Calls("HeadObject"))
}

func TestFault(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	s.SetFault(func(op, key string, call int) error {
		if op == "PutObject" && call == 1 {
			return boom
		}
		return nil
	})

	req := func() *storage.PutObjectRequest {
		return &storage.PutObjectRequest{Bucket: "b", Key: "k", Body: bytes.NewReader(nil)}
	}
	assert.ErrorIs(t, s.PutObject(context.Background(), req()), boom)
	assert.NoError(t, s.PutObject(context.Background(), req()))
}
