// Package transfer drives asynchronous bulk object copies through an
// external transfer service.
package transfer

import (
	"context"
	"log/slog"
	"time"

	"github.com/datalift-io/biglake-migrator/internal/metrics"
	"github.com/datalift-io/biglake-migrator/internal/secrets"
)

// Config holds coordinator settings.
type Config struct {
	ProjectID       string
	AccessKeySecret string
	SecretKeySecret string
	PollInterval    time.Duration
	MaxPollAttempts int
}

// Coordinator submits one-shot transfer jobs and waits, bounded, for them
// to finish. Execution itself is delegated entirely to the transfer
// service.
type Coordinator struct {
	api   API
	store secrets.Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(api API, store secrets.Store, cfg Config) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 360
	}
	return &Coordinator{
		api:   api,
		store: store,
		cfg:   cfg,
		log:   slog.With("component", "transfer"),
		now:   time.Now,
	}
}

// Execute submits a transfer job for the request and monitors it until a
// terminal state or the poll bound. The job ID is returned on submission
// success even when monitoring times out; the caller must treat a timed-out
// job as not confirmed complete. Submission failure or an error terminal
// state returns an error.
func (c *Coordinator) Execute(ctx context.Context, req Request) (string, error) {
	accessKeyID, err := c.store.Secret(ctx, c.cfg.AccessKeySecret)
	if err != nil {
		return "", &CredentialError{Name: c.cfg.AccessKeySecret, Err: err}
	}
	secretKey, err := c.store.Secret(ctx, c.cfg.SecretKeySecret)
	if err != nil {
		return "", &CredentialError{Name: c.cfg.SecretKeySecret, Err: err}
	}

	job := buildJob(c.cfg.ProjectID, req, credentials{
		accessKeyID: accessKeyID,
		secretKey:   secretKey,
	}, c.now())

	created, err := c.api.CreateJob(ctx, job)
	if err != nil {
		c.log.Error("transfer job submission failed",
			"source", req.SourceBucket+"/"+req.SourcePrefix,
			"dest", req.DestBucket+"/"+req.DestPrefix,
			"error", err,
		)
		return "", &TransferError{Msg: "submit transfer job", Err: err}
	}

	c.log.Info("transfer job submitted",
		"job", created.Name,
		"source", req.SourceBucket+"/"+req.SourcePrefix,
		"dest", req.DestBucket+"/"+req.DestPrefix,
	)

	if err := c.monitor(ctx, created.Name); err != nil {
		return "", err
	}
	return created.Name, nil
}

// monitor polls job status once per interval up to the attempt bound.
// Transient poll errors are logged and retried, never propagated. A nil
// return means either a clean terminal state or an exhausted bound; the
// latter logs a warning and leaves the job running.
func (c *Coordinator) monitor(ctx context.Context, jobName string) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.cfg.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if m := metrics.Get(); m != nil {
			m.IncTransferPolls(jobName)
		}

		job, err := c.api.GetJob(ctx, jobName, c.cfg.ProjectID)
		if err != nil {
			c.log.Warn("transfer status poll failed",
				"job", jobName, "attempt", attempt, "error", err)
			continue
		}

		switch job.Status {
		case "DELETED", "DISABLED":
			c.log.Info("transfer job reached terminal status",
				"job", jobName, "status", job.Status)
			return nil
		}

		if job.LatestOperationName == "" {
			continue
		}

		op, err := c.api.GetOperation(ctx, job.LatestOperationName)
		if err != nil {
			c.log.Warn("transfer operation poll failed",
				"job", jobName, "operation", job.LatestOperationName, "error", err)
			continue
		}
		if !op.Done {
			c.log.Debug("transfer in progress", "job", jobName, "attempt", attempt)
			continue
		}
		if op.Error != nil {
			c.log.Error("transfer operation failed",
				"job", jobName, "operation", op.Name, "message", op.Error.Message)
			return &TransferError{
				JobID: jobName,
				Msg:   "transfer operation failed: " + op.Error.Message,
			}
		}

		c.log.Info("transfer complete", "job", jobName, "attempts", attempt)
		return nil
	}

	c.log.Warn("transfer monitoring exhausted poll budget, job may still be running",
		"job", jobName,
		"attempts", c.cfg.MaxPollAttempts,
		"interval", c.cfg.PollInterval.String(),
	)
	return nil
}
