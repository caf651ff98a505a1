// Package secrets wraps the secret store used for transfer credentials.
package secrets

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// Store resolves a logical secret name to its latest payload.
type Store interface {
	Secret(ctx context.Context, name string) (string, error)
}

// GoogleStore reads secrets from Google Secret Manager.
type GoogleStore struct {
	client    *secretmanager.Client
	projectID string
}

// NewGoogleStore creates a store scoped to one project.
func NewGoogleStore(ctx context.Context, projectID string) (*GoogleStore, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create secret manager client: %w", err)
	}
	return &GoogleStore{client: client, projectID: projectID}, nil
}

// Secret returns the latest version's UTF-8 payload.
func (s *GoogleStore) Secret(ctx context.Context, name string) (string, error) {
	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, name),
	})
	if err != nil {
		return "", fmt.Errorf("access secret %s: %w", name, err)
	}
	return string(resp.GetPayload().GetData()), nil
}

// Close releases the underlying client.
func (s *GoogleStore) Close() error {
	return s.client.Close()
}
