package engine

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/brunoagalliu/ios-phone-checker-sub000/aws"
	"github.com/brunoagalliu/ios-phone-checker-sub000/store"
)

// S3Exporter uploads result CSVs to S3 and hands back the object URI that
// lands in the file's results_url.
type S3Exporter struct {
	client aws.S3Client
	bucket string
	prefix string
}

// NewS3Exporter creates an exporter writing under s3://bucket/prefix/.
func NewS3Exporter(client aws.S3Client, bucket, prefix string) *S3Exporter {
	return &S3Exporter{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Export renders the rows to CSV and uploads them as <prefix>/<file_id>.csv.
func (x *S3Exporter) Export(ctx context.Context, file *store.File, rows []store.Result) (string, error) {
	var buf bytes.Buffer
	if err := writeCSV(&buf, rows); err != nil {
		return "", err
	}

	key := path.Join(x.prefix, file.ID+".csv")
	contentType := "text/csv"
	_, err := x.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &x.bucket,
		Key:         &key,
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload results: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", x.bucket, key), nil
}
