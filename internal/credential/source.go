package credential

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Source resolves a secret reference to its value.
type Source interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// FileSource reads secrets from files, trimming surrounding whitespace.
type FileSource struct{}

// Resolve implements Source.
func (FileSource) Resolve(_ context.Context, ref string) (string, error) {
	data, err := os.ReadFile(os.ExpandEnv(ref))
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// EnvSource reads secrets from environment variables.
type EnvSource struct{}

// Resolve implements Source.
func (EnvSource) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", ref)
	}
	return v, nil
}

// SecretsManagerAPI is the subset of the Secrets Manager client we use.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsSource reads secrets from AWS Secrets Manager.
type AWSSecretsSource struct {
	api SecretsManagerAPI
}

// NewAWSSecretsSource wraps an existing Secrets Manager client.
func NewAWSSecretsSource(api SecretsManagerAPI) *AWSSecretsSource {
	return &AWSSecretsSource{api: api}
}

// NewAWSSecretsSourceFromEnv loads the default AWS configuration chain.
func NewAWSSecretsSourceFromEnv(ctx context.Context, region string) (*AWSSecretsSource, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewAWSSecretsSource(secretsmanager.NewFromConfig(cfg)), nil
}

// Resolve implements Source. ref is a secret name or ARN.
func (s *AWSSecretsSource) Resolve(ctx context.Context, ref string) (string, error) {
	out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", ref, err)
	}
	if out.SecretString != nil {
		return strings.TrimSpace(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return strings.TrimSpace(string(out.SecretBinary)), nil
	}
	return "", fmt.Errorf("secret %s has no value", ref)
}

// Resolver dispatches references of the form "scheme:value" to a Source.
// References without a known scheme are treated as file paths, matching the
// *_file settings in the config.
type Resolver struct {
	sources map[string]Source
}

// NewResolver creates a resolver with the file and env schemes registered.
func NewResolver() *Resolver {
	return &Resolver{sources: map[string]Source{
		"file": FileSource{},
		"env":  EnvSource{},
	}}
}

// Register adds or replaces the Source for scheme.
func (r *Resolver) Register(scheme string, src Source) {
	r.sources[scheme] = src
}

// Resolve returns the secret for ref. An empty ref resolves to "".
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	if scheme, value, ok := strings.Cut(ref, ":"); ok {
		if src, known := r.sources[scheme]; known {
			return src.Resolve(ctx, value)
		}
	}
	return r.sources["file"].Resolve(ctx, ref)
}
