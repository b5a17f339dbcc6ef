// Package sign implements the receiver side of sign negotiation
// (sub-command 9, spec §4.7/§4.8/§4.9): rewriting sender-proposed
// object-store URLs into presigned PUT URLs, following the teacher's
// EntryService.getPresignClient wiring of the AWS S3 presign client.
package sign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Package-level indirections over the AWS SDK, following the teacher's
// pattern for mocking S3 presigning in tests without a live endpoint.
var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (string, error) {
		req, err := pc.PresignPutObject(ctx, in, optFns...)
		if err != nil {
			return "", err
		}
		return req.URL, nil
	}
)

// Config carries the S3 endpoint and credentials used to build a presign
// client, mirroring the teacher's server config fields.
type Config struct {
	Region       string
	AccessKey    string
	SecretKey    string
	BaseEndpoint string
	Expires      time.Duration
}

// Signer produces presigned PUT URLs for sender-proposed object-store
// destinations, enforcing the job's permitted output-destination prefix.
type Signer struct {
	cfg Config
}

// New returns a Signer bound to cfg.
func New(cfg Config) *Signer {
	if cfg.Expires == 0 {
		cfg.Expires = 15 * time.Minute
	}
	return &Signer{cfg: cfg}
}

func (s *Signer) presignClient(ctx context.Context) (*s3.PresignClient, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(s.cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.cfg.AccessKey, s.cfg.SecretKey, "")))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if s.cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(s.cfg.BaseEndpoint)
		}
	})
	return newS3PresignClient(client), nil
}

// AllowedUnder reports whether destURL falls under one of the job's
// permitted output-destination prefixes and contains no "/.." path
// escape, per spec §4.8's sign-negotiation rule.
func AllowedUnder(destURL string, prefixes []string) bool {
	if strings.Contains(destURL, "/..") {
		return false
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(destURL, prefix) {
			return true
		}
	}
	return false
}

// Sign rewrites the s3://bucket/key form of destURL into a presigned PUT
// https:// URL. Callers must first check AllowedUnder; Sign itself only
// performs the AWS request.
func (s *Signer) Sign(ctx context.Context, destURL string) (string, error) {
	bucket, key, err := parseS3URL(destURL)
	if err != nil {
		return "", err
	}

	pc, err := s.presignClient(ctx)
	if err != nil {
		return "", err
	}

	url, err := presignPutObject(pc, ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.cfg.Expires))
	if err != nil {
		return "", err
	}
	return url, nil
}

// SignIfAllowed returns a presigned URL for destURL if it falls under one
// of prefixes, or "" (an empty slot, meaning "abandon this item" per §4.8)
// otherwise.
func (s *Signer) SignIfAllowed(ctx context.Context, destURL string, prefixes []string) (string, error) {
	if !AllowedUnder(destURL, prefixes) {
		return "", nil
	}
	return s.Sign(ctx, destURL)
}

func parseS3URL(u string) (bucket, key string, err error) {
	const prefix = "s3://"
	if !strings.HasPrefix(u, prefix) {
		return "", "", fmt.Errorf("sign: not an s3 URL: %q", u)
	}
	rest := u[len(prefix):]
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return rest, "", nil
	}
	return rest[:idx], rest[idx+1:], nil
}
