package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/orlandolorenzomk/springops-sub000/internal/repository"
	"github.com/orlandolorenzomk/springops-sub000/pkg/crypto"
)

// EnvironmentSource yields the environment handed to the run script.
type EnvironmentSource interface {
	EnvString(ctx context.Context, applicationID int64) (string, error)
}

// EncryptedEnvironment decrypts stored variables and joins them as
// space-separated NAME=value pairs.
type EncryptedEnvironment struct {
	repo   repository.EnvironmentRepository
	secret string
}

// NewEncryptedEnvironment returns an EnvironmentSource backed by repo.
func NewEncryptedEnvironment(repo repository.EnvironmentRepository, secret string) EncryptedEnvironment {
	return EncryptedEnvironment{repo: repo, secret: secret}
}

// EnvString implements EnvironmentSource.
func (e EncryptedEnvironment) EnvString(ctx context.Context, applicationID int64) (string, error) {
	envs, err := e.repo.ListApplicationEnvs(ctx, applicationID)
	if err != nil {
		return "", fmt.Errorf("list environment variables: %w", err)
	}
	pairs := make([]string, 0, len(envs))
	for _, env := range envs {
		value, err := crypto.DecryptString(e.secret, env.Value)
		if err != nil {
			return "", fmt.Errorf("decrypt %s: %w", env.Name, err)
		}
		pairs = append(pairs, env.Name+"="+value)
	}
	return strings.Join(pairs, " "), nil
}
