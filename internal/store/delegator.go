package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/yairfalse/taginventory/internal/errs"
)

// sessionNameLimit is the STS maximum for RoleSessionName.
const sessionNameLimit = 64

// Delegator obtains short-lived credentials for the central store's role.
// Every call assumes the role afresh.
type Delegator struct {
	sts        STSAPI
	roleARN    string
	externalID string
	duration   time.Duration
}

// NewDelegator creates a delegator for roleARN. A zero duration uses the
// STS minimum of 15 minutes.
func NewDelegator(client STSAPI, roleARN, externalID string, duration time.Duration) *Delegator {
	if duration <= 0 {
		duration = 15 * time.Minute
	}
	return &Delegator{
		sts:        client,
		roleARN:    roleARN,
		externalID: externalID,
		duration:   duration,
	}
}

// Credentials assumes the role for one run and returns a static provider
// over the issued credential.
func (d *Delegator) Credentials(ctx context.Context, runID string) (aws.CredentialsProvider, error) {
	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(d.roleARN),
		RoleSessionName: aws.String(SessionName(runID)),
		DurationSeconds: aws.Int32(int32(d.duration / time.Second)),
	}
	if d.externalID != "" {
		input.ExternalId = aws.String(d.externalID)
	}

	output, err := d.sts.AssumeRole(ctx, input)
	if err != nil {
		return nil, classify("assume_role", err)
	}
	if output.Credentials == nil {
		return nil, errs.Newf(errs.CredentialDenied, "assume_role", "no credentials returned for %s", d.roleARN)
	}

	c := output.Credentials
	return credentials.NewStaticCredentialsProvider(
		aws.ToString(c.AccessKeyId),
		aws.ToString(c.SecretAccessKey),
		aws.ToString(c.SessionToken),
	), nil
}

// AccountID returns the account of the caller's own credentials.
func (d *Delegator) AccountID(ctx context.Context) (string, error) {
	output, err := d.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	return aws.ToString(output.Account), nil
}

// SessionName derives the role session name for a run.
func SessionName(runID string) string {
	name := "taginventory-" + runID
	if len(name) > sessionNameLimit {
		name = name[:sessionNameLimit]
	}
	return name
}
