package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/smithy-go"

	dserrors "github.com/systmms/dsbroker/internal/errors"
	"github.com/systmms/dsbroker/pkg/plugin"
)

const defaultAWSRegion = "us-east-1"

// awsCredential is the vault credential payload of the AWS plugins. An empty
// payload selects the default credential chain.
type awsCredential struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken,omitempty"`
}

func parseAWSCredential(payload []byte) (*awsCredential, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return nil, nil
	}
	var c awsCredential
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("invalid AWS credential payload: %w", err)
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return nil, errors.New("AWS credential payload needs accessKeyId and secretAccessKey")
	}
	return &c, nil
}

func loadAWSConfig(ctx context.Context, region string, cred *awsCredential) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cred != nil {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cred.AccessKeyID, cred.SecretAccessKey, cred.SessionToken),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// awsErrorCode returns the service error code of err, if it carries one.
func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isAWSAuthError(err error) bool {
	switch awsErrorCode(err) {
	case "AccessDeniedException", "AccessDenied", "UnrecognizedClientException",
		"InvalidClientTokenId", "ExpiredTokenException", "InvalidSignatureException":
		return true
	}
	return false
}

// wrapAWSError reports failures without a service error code as connection
// failures.
func wrapAWSError(endpoint, op string, err error) error {
	switch {
	case awsErrorCode(err) == "", dserrors.IsRetryable(err):
		return &plugin.ConnectionError{Endpoint: endpoint, Err: err}
	case isAWSAuthError(err):
		return fmt.Errorf("%s: credentials rejected, check the vault credential: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
