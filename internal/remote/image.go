package remote

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"syndicate-go/internal/syndicate"
)

// MaxImageSize bounds organization image downloads.
const MaxImageSize = 10 << 20

// ImageFetcher downloads organization images over HTTP(S), and from S3 for
// s3://bucket/key URLs when an S3 source is configured.
type ImageFetcher struct {
	httpClient *http.Client
	s3         *S3Images
	timeout    time.Duration
}

var _ syndicate.ImageFetcher = (*ImageFetcher)(nil)

// NewImageFetcher creates a fetcher whose downloads give up after timeout.
// s3 may be nil, in which case s3:// URLs are rejected.
func NewImageFetcher(timeout time.Duration, s3 *S3Images) *ImageFetcher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ImageFetcher{httpClient: &http.Client{Timeout: timeout}, s3: s3, timeout: timeout}
}

// Fetch downloads the image at rawURL.
func (f *ImageFetcher) Fetch(ctx context.Context, rawURL string) (*syndicate.Upload, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse image url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, rawURL, u)
	case "s3":
		if f.s3 == nil {
			return nil, fmt.Errorf("fetch %s: no S3 image source configured", rawURL)
		}
		ctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		return f.s3.Fetch(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, fmt.Errorf("fetch %s: unsupported scheme %q", rawURL, u.Scheme)
	}
}

func (f *ImageFetcher) fetchHTTP(ctx context.Context, rawURL string, u *url.URL) (*syndicate.Upload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %s", rawURL, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("fetch %s: image larger than %d bytes", rawURL, MaxImageSize)
	}

	name := imageName(u.Path)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(name))
	}
	return &syndicate.Upload{Filename: name, ContentType: contentType, Data: data}, nil
}

// S3Config selects the bucket endpoint and credentials for s3:// images.
type S3Config struct {
	Region          string
	Endpoint        string // for S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// S3Images downloads objects from S3 or an S3-compatible store.
type S3Images struct {
	downloader *manager.Downloader
}

// NewS3Images loads the AWS configuration. Static credentials are used when
// given; otherwise the default credential chain applies.
func NewS3Images(ctx context.Context, cfg S3Config) (*S3Images, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3Images{downloader: manager.NewDownloader(client)}, nil
}

// Fetch downloads bucket/key. At most MaxImageSize+1 bytes are requested so
// oversize objects are rejected without reading them whole.
func (s *S3Images) Fetch(ctx context.Context, bucket, key string) (*syndicate.Upload, error) {
	buf := manager.NewWriteAtBuffer(nil)
	n, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=0-%d", MaxImageSize)),
	})
	if err != nil {
		return nil, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	if n > MaxImageSize {
		return nil, fmt.Errorf("download s3://%s/%s: image larger than %d bytes", bucket, key, MaxImageSize)
	}

	name := imageName(key)
	return &syndicate.Upload{
		Filename:    name,
		ContentType: mime.TypeByExtension(path.Ext(name)),
		Data:        buf.Bytes(),
	}, nil
}

func imageName(p string) string {
	name := path.Base(p)
	if name == "." || name == "/" || name == "" {
		return "image"
	}
	return name
}
