// Package storage mirrors transformed results into an S3 compatible bucket.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/digkill/ghiblit/internal/config"
)

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
}

// ConfigFrom picks the archive settings out of the application config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
	}
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Archive struct {
	cfg    Config
	client objectPutter
	now    func() time.Time
}

func NewArchive(cfg Config) (*Archive, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return newArchive(cfg, s3.New(options)), nil
}

func newArchive(cfg Config, client objectPutter) *Archive {
	if cfg.Prefix == "" {
		cfg.Prefix = "results"
	}
	return &Archive{cfg: cfg, client: client, now: time.Now}
}

func (c Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}
	if c.Region == "" {
		return fmt.Errorf("s3 region is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("s3 credentials are required")
	}
	if c.PublicBaseURL == "" {
		return fmt.Errorf("s3 public base url is required")
	}
	return nil
}

// Store uploads one result image for a user and returns its public URL.
func (a *Archive) Store(ctx context.Context, userID int64, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("no data to archive")
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}

	key := a.generateKey(userID, contentType)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return strings.TrimRight(a.cfg.PublicBaseURL, "/") + "/" + key, nil
}

func (a *Archive) generateKey(userID int64, contentType string) string {
	now := a.now().UTC()
	return path.Join(
		strings.Trim(a.cfg.Prefix, "/"),
		strconv.FormatInt(userID, 10),
		fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()),
		uuid.NewString()+extensionFromContentType(contentType),
	)
}

func extensionFromContentType(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
