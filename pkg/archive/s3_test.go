package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-segkv/pkg/logging"
)

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	if in.Body != nil {
		b, err := io.ReadAll(in.Body)
		if err != nil {
			return nil, err
		}
		f.body = b
	}
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func writeSegment(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "1700000000000000000.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestArchive_UploadsSegment(t *testing.T) {
	content := "1,one\n2,two, with comma\n"
	path := writeSegment(t, content)
	client := &fakeS3{}
	a := NewWithClient(client, "segments", "node-a", logging.NewNopLogger())

	n, err := a.Archive(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, string(client.body))
	assert.Equal(t, "segments", aws.ToString(client.input.Bucket))
	assert.Equal(t, "node-a/1700000000000000000.txt", aws.ToString(client.input.Key))
	assert.Equal(t, int64(len(content)), aws.ToInt64(client.input.ContentLength))
	assert.Equal(t, "1700000000000000000.txt", client.input.Metadata["segkv-segment"])
}

func TestArchive_ClientError(t *testing.T) {
	path := writeSegment(t, "1,a\n")
	client := &fakeS3{err: errors.New("access denied")}
	a := NewWithClient(client, "segments", "", nil)

	n, err := a.Archive(context.Background(), path)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.ErrorContains(t, err, "s3://segments/1700000000000000000.txt")
	assert.ErrorContains(t, err, "access denied")
}

func TestArchive_MissingFile(t *testing.T) {
	client := &fakeS3{}
	a := NewWithClient(client, "segments", "", nil)

	_, err := a.Archive(context.Background(), filepath.Join(t.TempDir(), "gone.txt"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Nil(t, client.input)
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "42.txt"},
		{"archive", "archive/42.txt"},
		{"archive/", "archive/42.txt"},
		{"a/b", "a/b/42.txt"},
	}
	for _, tt := range tests {
		a := NewWithClient(&fakeS3{}, "b", tt.prefix, nil)
		assert.Equal(t, tt.want, a.ObjectKey("/data/db/42.txt"), "prefix %q", tt.prefix)
	}
}

func TestNew(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	assert.ErrorContains(t, err, "bucket is required")

	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))
	a, err := New(context.Background(), Config{
		Bucket:          "segments",
		Region:          "us-east-1",
		Endpoint:        "http://127.0.0.1:9000",
		AccessKeyID:     "AKID",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
	}, nil)
	require.NoError(t, err)
	assert.NotNil(t, a)
}
