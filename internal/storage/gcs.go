package storage

import (
	"fmt"

	_ "gocloud.dev/blob/gcsblob" // GCS driver
)

func gcsBucketURL(bucketName string) string {
	return fmt.Sprintf("gs://%s", bucketName)
}
