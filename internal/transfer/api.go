package transfer

import (
	"context"
	"fmt"

	storagetransfer "google.golang.org/api/storagetransfer/v1"
)

// API is the narrow transfer-service surface the coordinator needs.
type API interface {
	CreateJob(ctx context.Context, job *storagetransfer.TransferJob) (*storagetransfer.TransferJob, error)
	GetJob(ctx context.Context, name, projectID string) (*storagetransfer.TransferJob, error)
	GetOperation(ctx context.Context, name string) (*storagetransfer.Operation, error)
}

// googleAPI backs API with the Storage Transfer Service.
type googleAPI struct {
	svc *storagetransfer.Service
}

// NewGoogleAPI creates the production API implementation.
func NewGoogleAPI(ctx context.Context) (API, error) {
	svc, err := storagetransfer.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("create transfer service client: %w", err)
	}
	return &googleAPI{svc: svc}, nil
}

func (g *googleAPI) CreateJob(ctx context.Context, job *storagetransfer.TransferJob) (*storagetransfer.TransferJob, error) {
	return g.svc.TransferJobs.Create(job).Context(ctx).Do()
}

func (g *googleAPI) GetJob(ctx context.Context, name, projectID string) (*storagetransfer.TransferJob, error) {
	return g.svc.TransferJobs.Get(name, projectID).Context(ctx).Do()
}

func (g *googleAPI) GetOperation(ctx context.Context, name string) (*storagetransfer.Operation, error) {
	return g.svc.TransferOperations.Get(name).Context(ctx).Do()
}
