// internal/services/media_service.go
package services

import (
	"bytes"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/artledger/provenance-backend/internal/config"
)

// MediaService stores the asset's image and returns the URL that both
// metadata documents embed as the media reference. Generation and
// watermarking of the image happen upstream; this service only hosts the
// final bytes.
type MediaService struct {
	s3Client *s3.S3
	config   *config.Config
}

type MediaUploadResult struct {
	URL      string `json:"url"`
	Key      string `json:"key"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

const maxMediaSize = 20 * 1024 * 1024 // 20MB

func NewMediaService(cfg *config.Config) (*MediaService, error) {
	if cfg.AWS.AccessKeyID == "" {
		// Return service without S3 for local development
		return &MediaService{config: cfg}, nil
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.AWS.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AWS.AccessKeyID,
			cfg.AWS.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &MediaService{
		s3Client: s3.New(sess),
		config:   cfg,
	}, nil
}

// Upload validates and stores image bytes, returning the public URL used
// as the registration's media reference.
func (s *MediaService) Upload(data []byte) (*MediaUploadResult, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("media payload is empty")
	}
	if len(data) > maxMediaSize {
		return nil, fmt.Errorf("media size %d bytes exceeds maximum allowed size %d bytes", len(data), maxMediaSize)
	}

	mimeType, err := sniffImageType(data)
	if err != nil {
		return nil, err
	}

	key := s.generateKey(mimeType)

	if s.s3Client == nil {
		// Local development: no store configured, hand back a local URL
		url := fmt.Sprintf("http://localhost:%s/uploads/%s", s.config.Server.Port, key)
		logrus.WithField("key", key).Debug("Media stored locally (no S3 configured)")
		return &MediaUploadResult{URL: url, Key: key, Size: int64(len(data)), MimeType: mimeType}, nil
	}

	_, err = s.s3Client.PutObject(&s3.PutObjectInput{
		Bucket:        aws.String(s.config.AWS.S3Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(mimeType),
		ContentLength: aws.Int64(int64(len(data))),
		ACL:           aws.String("public-read"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload media to S3: %w", err)
	}

	return &MediaUploadResult{
		URL:      s.mediaURL(key),
		Key:      key,
		Size:     int64(len(data)),
		MimeType: mimeType,
	}, nil
}

func (s *MediaService) generateKey(mimeType string) string {
	ext := ".png"
	switch mimeType {
	case "image/jpeg":
		ext = ".jpg"
	case "image/gif":
		ext = ".gif"
	}

	timestamp := time.Now().Format("20060102")
	return fmt.Sprintf("assets/%s_%s%s", timestamp, uuid.New().String()[:8], ext)
}

func (s *MediaService) mediaURL(key string) string {
	if s.config.AWS.CloudFrontURL != "" {
		return fmt.Sprintf("%s/%s", s.config.AWS.CloudFrontURL, key)
	}

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s",
		s.config.AWS.S3Bucket, s.config.AWS.Region, key)
}

func sniffImageType(data []byte) (string, error) {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "image/jpeg", nil
	case len(data) >= 8 && data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47:
		return "image/png", nil
	case len(data) >= 6 && (string(data[0:6]) == "GIF87a" || string(data[0:6]) == "GIF89a"):
		return "image/gif", nil
	default:
		return "", fmt.Errorf("unsupported media type: only PNG, JPEG and GIF images are accepted")
	}
}
