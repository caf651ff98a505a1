package transfer

import (
	"fmt"
	"time"

	storagetransfer "google.golang.org/api/storagetransfer/v1"
)

// Request identifies one bulk copy: a source bucket+prefix in the external
// object store and a destination bucket+prefix in cloud storage. It is
// ephemeral; the transfer service owns the durable job record.
type Request struct {
	SourceBucket string
	SourcePrefix string
	DestBucket   string
	DestPrefix   string
}

// credentials are the resolved source-store access keys.
type credentials struct {
	accessKeyID string
	secretKey   string
}

// buildJob constructs a one-shot, idempotent transfer job specification.
//
// The option combination makes reruns safe: unchanged objects are skipped,
// changed objects are replaced, and nothing is ever deleted from either
// side. Two calls with the same request differ only in schedule timestamp
// and description.
func buildJob(projectID string, req Request, creds credentials, now time.Time) *storagetransfer.TransferJob {
	now = now.UTC()
	today := &storagetransfer.Date{
		Year:  int64(now.Year()),
		Month: int64(now.Month()),
		Day:   int64(now.Day()),
	}

	return &storagetransfer.TransferJob{
		ProjectId: projectID,
		Status:    "ENABLED",
		Description: fmt.Sprintf("migration %s/%s -> %s/%s at %s",
			req.SourceBucket, req.SourcePrefix, req.DestBucket, req.DestPrefix,
			now.Format(time.RFC3339)),
		Schedule: &storagetransfer.Schedule{
			ScheduleStartDate: today,
			ScheduleEndDate:   today,
			StartTimeOfDay: &storagetransfer.TimeOfDay{
				Hours:   int64(now.Hour()),
				Minutes: int64(now.Minute()),
				Seconds: int64(now.Second()),
			},
		},
		TransferSpec: &storagetransfer.TransferSpec{
			AwsS3DataSource: &storagetransfer.AwsS3Data{
				BucketName: req.SourceBucket,
				Path:       req.SourcePrefix,
				AwsAccessKey: &storagetransfer.AwsAccessKey{
					AccessKeyId:     creds.accessKeyID,
					SecretAccessKey: creds.secretKey,
				},
			},
			GcsDataSink: &storagetransfer.GcsData{
				BucketName: req.DestBucket,
				Path:       req.DestPrefix,
			},
			TransferOptions: &storagetransfer.TransferOptions{
				OverwriteWhen:                        "DIFFERENT",
				DeleteObjectsFromSourceAfterTransfer: false,
				DeleteObjectsUniqueInSink:            false,
			},
		},
	}
}
