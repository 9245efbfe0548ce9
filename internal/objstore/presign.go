// Package objstore issues presigned upload URLs for replay frames and
// manifests on an S3-compatible bucket.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"panopticon/internal/domain"
)

const (
	DefaultExpiry = time.Hour
	DefaultRegion = "auto"
	MaxFrames     = 10000

	contentTypeFrame    = "image/jpeg"
	contentTypeManifest = "application/json"
)

type Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	PublicURL       string
	AccessKeyID     string
	SecretAccessKey string
	Expiry          time.Duration
	// PathStyle addresses the bucket as {endpoint}/{bucket}/{key}.
	PathStyle bool
}

// UploadURLs are the presigned PUT targets for one agent's replay.
type UploadURLs struct {
	FrameURLs         []string `json:"frame_urls"`
	ManifestURL       string   `json:"manifest_url"`
	PublicManifestURL string   `json:"public_manifest_url,omitempty"`
	ExpiresAt         string   `json:"expires_at"`
}

type Presigner struct {
	bucket    string
	publicURL string
	expiry    time.Duration
	client    *s3.PresignClient
	now       func() time.Time
}

// New builds a presigner. Static credentials are used when both keys are
// set, otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Presigner, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &Presigner{
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		expiry:    cfg.Expiry,
		client:    s3.NewPresignClient(client, s3.WithPresignExpires(cfg.Expiry)),
		now:       time.Now,
	}, nil
}

// Prefix is the key prefix of an agent's replay.
func Prefix(sessionID, agentID string) string {
	return "replays/" + sessionID + "/" + agentID
}

// FrameKey is the object key of frame i, zero-padded to four digits.
func FrameKey(sessionID, agentID string, i int) string {
	return fmt.Sprintf("%s/frame-%04d.jpg", Prefix(sessionID, agentID), i)
}

func ManifestKey(sessionID, agentID string) string {
	return Prefix(sessionID, agentID) + "/manifest.json"
}

// UploadURLs presigns one PUT per frame plus one for the manifest.
func (p *Presigner) UploadURLs(ctx context.Context, sessionID, agentID string, frameCount int) (UploadURLs, error) {
	if sessionID == "" || agentID == "" {
		return UploadURLs{}, fmt.Errorf("session_id and agent_id are required: %w", domain.ErrInvalidInput)
	}
	if strings.ContainsAny(sessionID+agentID, `/\`) {
		return UploadURLs{}, fmt.Errorf("ids must not contain path separators: %w", domain.ErrInvalidInput)
	}
	if frameCount < 1 || frameCount > MaxFrames {
		return UploadURLs{}, fmt.Errorf("frame_count must be between 1 and %d: %w", MaxFrames, domain.ErrInvalidInput)
	}
	out := UploadURLs{
		FrameURLs: make([]string, 0, frameCount),
		ExpiresAt: p.now().Add(p.expiry).UTC().Format(time.RFC3339),
	}
	for i := 0; i < frameCount; i++ {
		u, err := p.presign(ctx, FrameKey(sessionID, agentID, i), contentTypeFrame)
		if err != nil {
			return UploadURLs{}, err
		}
		out.FrameURLs = append(out.FrameURLs, u)
	}
	u, err := p.presign(ctx, ManifestKey(sessionID, agentID), contentTypeManifest)
	if err != nil {
		return UploadURLs{}, err
	}
	out.ManifestURL = u
	out.PublicManifestURL = p.PublicURL(ManifestKey(sessionID, agentID))
	return out, nil
}

func (p *Presigner) presign(ctx context.Context, key, contentType string) (string, error) {
	req, err := p.client.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// PublicURL is the read URL of key, or "" without a public base.
func (p *Presigner) PublicURL(key string) string {
	if p.publicURL == "" {
		return ""
	}
	u, err := url.JoinPath(p.publicURL, key)
	if err != nil {
		return p.publicURL + "/" + key
	}
	return u
}
