package archive

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/nicolagi/perspectivedb/item"
	"github.com/nicolagi/perspectivedb/wire"
)

// ErrNotFound is returned by S3Sink.Fetch for an unknown key.
var ErrNotFound = fmt.Errorf("archive: not found")

// S3Sink archives items to an S3 bucket, one object per version, keyed
// by id/version so cold reads can address a specific item without a
// listing.
type S3Sink struct {
	profile string
	region  string
	bucket  string
	client  *s3.S3
}

func NewS3Sink(profile, region, bucket string) *S3Sink {
	return &S3Sink{profile: profile, region: region, bucket: bucket}
}

func (s *S3Sink) Archive(it *item.Item) error {
	if err := s.ensureClient(); err != nil {
		return err
	}
	b, err := wire.EncodeItem(it)
	if err != nil {
		return fmt.Errorf("archive: encoding item %s/%s: %w", it.ID, it.V, err)
	}
	_, err = s.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(it.ID, it.V)),
		Body:   bytes.NewReader(b),
	})
	return err
}

// Fetch retrieves a previously archived item by id/version.
func (s *S3Sink) Fetch(id, v string) (*item.Item, error) {
	if err := s.ensureClient(); err != nil {
		return nil, err
	}
	output, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(id, v)),
	})
	if err != nil {
		if rfErr, ok := err.(awserr.RequestFailure); ok && rfErr.StatusCode() == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer output.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(output.Body); err != nil {
		return nil, err
	}
	return wire.DecodeItem(buf.Bytes())
}

func (s *S3Sink) ensureClient() error {
	if s.client != nil {
		return nil
	}
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(s.region),
		Credentials: credentials.NewSharedCredentials("", s.profile),
	})
	if err != nil {
		return err
	}
	s.client = s3.New(sess)
	return nil
}

func objectKey(id, v string) string {
	return fmt.Sprintf("%s/%s", id, v)
}
