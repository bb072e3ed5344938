package storage

import (
	"context"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	if in.Body != nil {
		f.body, _ = io.ReadAll(in.Body)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func testConfig() Config {
	return Config{
		Region:        "us-east-1",
		AccessKey:     "key",
		SecretKey:     "secret",
		Bucket:        "ghiblit",
		PublicBaseURL: "https://cdn.example.com/",
		Prefix:        "/results/",
	}
}

func TestArchive_Store(t *testing.T) {
	putter := &fakePutter{}
	a := newArchive(testConfig(), putter)
	a.now = func() time.Time { return time.Date(2025, 4, 9, 23, 0, 0, 0, time.UTC) }

	url, err := a.Store(context.Background(), 42, []byte("png"), "image/png")
	require.NoError(t, err)

	require.NotNil(t, putter.in)
	key := aws.ToString(putter.in.Key)
	assert.Regexp(t, regexp.MustCompile(`^results/42/2025/04/09/[0-9a-f-]{36}\.png$`), key)
	assert.Equal(t, "https://cdn.example.com/"+key, url)
	assert.Equal(t, "ghiblit", aws.ToString(putter.in.Bucket))
	assert.Equal(t, "image/png", aws.ToString(putter.in.ContentType))
	assert.Equal(t, []byte("png"), putter.body)
}

func TestArchive_StoreErrors(t *testing.T) {
	a := newArchive(testConfig(), &fakePutter{})
	_, err := a.Store(context.Background(), 1, nil, "image/png")
	require.Error(t, err)

	boom := errors.New("access denied")
	a = newArchive(testConfig(), &fakePutter{err: boom})
	_, err = a.Store(context.Background(), 1, []byte("x"), "")
	require.ErrorIs(t, err, boom)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	cfg.PublicBaseURL = ""
	_, err := NewArchive(cfg)
	require.Error(t, err)

	_, err = NewArchive(testConfig())
	require.NoError(t, err)
}

func TestExtensionFromContentType(t *testing.T) {
	cases := map[string]string{
		"image/png":                 ".png",
		"image/JPEG":                ".jpg",
		"image/jpeg; charset=UTF-8": ".jpg",
		"image/webp":                ".webp",
		"application/octet-stream":  ".bin",
	}
	for in, want := range cases {
		assert.Equal(t, want, extensionFromContentType(in), in)
	}
}
