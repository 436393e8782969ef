package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// Destination ships a compressed archive to its final resting place
// (spec.md §4.3 step 3).
type Destination interface {
	Ship(ctx context.Context, archivePath, archiveName string) error
}

// S3Destination uploads via PutObject, grounded on aws-sdk-go's standard
// session+client construction.
type S3Destination struct {
	Bucket     string
	FolderPath string
	client     *s3.S3
}

// NewS3Destination builds an S3Destination from a shared AWS session.
func NewS3Destination(bucket, folderPath, region string) (*S3Destination, error) {
	var sess, err = session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("backup: building AWS session: %w", err)
	}
	return &S3Destination{Bucket: bucket, FolderPath: folderPath, client: s3.New(sess)}, nil
}

func (d *S3Destination) Ship(ctx context.Context, archivePath, archiveName string) error {
	var f, err = os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("backup: opening archive %s: %w", archivePath, err)
	}
	defer f.Close()

	var key = filepath.ToSlash(filepath.Join(d.FolderPath, archiveName))
	_, err = d.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("backup: uploading %s to s3://%s/%s: %w", archivePath, d.Bucket, key, err)
	}
	return nil
}

// LocalDestination copies the archive into a local backup tree, creating
// parent directories as needed.
type LocalDestination struct {
	FolderPath string
}

func (d LocalDestination) Ship(ctx context.Context, archivePath, archiveName string) error {
	var dst = filepath.Join(d.FolderPath, archiveName)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("backup: creating backup folder %s: %w", filepath.Dir(dst), err)
	}

	var in, err = os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("backup: opening archive %s: %w", archivePath, err)
	}
	defer in.Close()

	var out *os.File
	out, err = os.Create(dst)
	if err != nil {
		return fmt.Errorf("backup: creating %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("backup: copying archive to %s: %w", dst, err)
	}
	return nil
}
