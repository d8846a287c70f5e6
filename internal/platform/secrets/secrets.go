// Package secrets resolves credentials held in Google Secret Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// ErrEmptySecret is returned when a secret version has no payload.
var ErrEmptySecret = errors.New("secret has empty payload")

// VersionName expands a secret reference into a full version resource name.
// A bare secret id resolves to the latest version in projectID; a
// "projects/..." reference is used as is, with "/versions/latest" appended
// when no version is given.
func VersionName(projectID, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("secret reference is empty")
	}
	if strings.HasPrefix(ref, "projects/") {
		if strings.Contains(ref, "/versions/") {
			return ref, nil
		}
		return ref + "/versions/latest", nil
	}
	if projectID == "" {
		return "", fmt.Errorf("secret %q: project id is required for a bare secret id", ref)
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, ref), nil
}

// Access returns the payload of one secret version as a trimmed string.
func Access(ctx context.Context, projectID, ref string) (string, error) {
	name, err := VersionName(projectID, ref)
	if err != nil {
		return "", err
	}

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("init secret manager client: %w", err)
	}
	defer client.Close()

	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("access secret %s: %w", name, err)
	}
	if resp.Payload == nil || len(resp.Payload.Data) == 0 {
		return "", fmt.Errorf("secret %s: %w", name, ErrEmptySecret)
	}
	return strings.TrimSpace(string(resp.Payload.Data)), nil
}
