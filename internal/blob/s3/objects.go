package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// Objects implements domain.BlobStore on one bucket. Create relies on the
// If-None-Match conditional write, so two settlers racing on the same
// receipt cannot both succeed.
type Objects struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewObjects creates an Objects store for the client's bucket.
func NewObjects(c *Client) *Objects {
	return &Objects{
		client:   c.S3(),
		uploader: manager.NewUploader(c.S3()),
		bucket:   c.Bucket(),
	}
}

// Create uploads data to path unless an object is already there.
func (o *Objects) Create(ctx context.Context, path string, data io.Reader, contentType string) error {
	_, err := o.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
		IfNoneMatch: aws.String("*"),
	})
	switch {
	case err == nil:
		return nil
	case isConditionFailed(err):
		return fmt.Errorf("s3blob: create %s: %w", path, domain.ErrAlreadyExists)
	default:
		return fmt.Errorf("s3blob: create %s: %w", path, err)
	}
}

// Get returns the object body at path. The caller closes it.
func (o *Objects) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(path),
	})
	switch {
	case err == nil:
		return out.Body, nil
	case isNotFound(err):
		return nil, fmt.Errorf("s3blob: get %s: %w", path, domain.ErrNotFound)
	default:
		return nil, fmt.Errorf("s3blob: get %s: %w", path, err)
	}
}

type statusCoder interface {
	HTTPStatusCode() int
}

func hasStatus(err error, codes ...int) bool {
	var sc statusCoder
	if !errors.As(err, &sc) {
		return false
	}
	for _, c := range codes {
		if sc.HTTPStatusCode() == c {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk) || hasStatus(err, http.StatusNotFound)
}

// isConditionFailed matches 412 from If-None-Match and the 409 S3 returns
// when a concurrent conditional write wins.
func isConditionFailed(err error) bool {
	return hasStatus(err, http.StatusPreconditionFailed, http.StatusConflict)
}

var _ domain.BlobStore = (*Objects)(nil)
