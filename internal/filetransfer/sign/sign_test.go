package sign

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

func TestAllowedUnder_RejectsDotDot(t *testing.T) {
	require.False(t, AllowedUnder("s3://bucket/out/../escape", []string{"s3://bucket/out/"}))
}

func TestAllowedUnder_RequiresPrefix(t *testing.T) {
	require.True(t, AllowedUnder("s3://bucket/out/obj", []string{"s3://bucket/out/"}))
	require.False(t, AllowedUnder("s3://other-bucket/obj", []string{"s3://bucket/out/"}))
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := parseS3URL("s3://bucket/out/obj")
	require.NoError(t, err)
	require.Equal(t, "bucket", bucket)
	require.Equal(t, "out/obj", key)
}

func TestParseS3URL_NotS3(t *testing.T) {
	_, _, err := parseS3URL("https://example.com/obj")
	require.Error(t, err)
}

func TestSign_UsesPresignedPutURL(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	origNewS3 := newS3ClientFromConfig
	origPresign := presignPutObject
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNewS3
		presignPutObject = origPresign
	})

	var capturedRegion string
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		capturedRegion = lo.Region
		return aws.Config{}, nil
	}
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return &s3.Client{}
	}
	var capturedBucket, capturedKey string
	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (string, error) {
		capturedBucket = aws.ToString(in.Bucket)
		capturedKey = aws.ToString(in.Key)
		return "https://bucket.s3.amazonaws.com/out/obj?X-Amz-Signature=abc", nil
	}

	s := New(Config{Region: "us-east-1"})
	url, err := s.Sign(context.Background(), "s3://bucket/out/obj")
	require.NoError(t, err)
	require.Equal(t, "https://bucket.s3.amazonaws.com/out/obj?X-Amz-Signature=abc", url)
	require.Equal(t, "us-east-1", capturedRegion)
	require.Equal(t, "bucket", capturedBucket)
	require.Equal(t, "out/obj", capturedKey)
}

func TestSignIfAllowed_EmptySlotWhenDisallowed(t *testing.T) {
	s := New(Config{Region: "us-east-1"})
	url, err := s.SignIfAllowed(context.Background(), "s3://other/obj", []string{"s3://bucket/out/"})
	require.NoError(t, err)
	require.Empty(t, url)
}
