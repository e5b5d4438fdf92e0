// Package preflight verifies, before the worker daemon starts, that the
// process can actually reach the verdict cache table and the results
// bucket. Failing fast here beats discovering a missing permission halfway
// through a fifty-thousand-phone file.
package preflight

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/brunoagalliu/ios-phone-checker-sub000/aws"
)

// cacheActions are the DynamoDB operations the verdict cache performs.
var cacheActions = []string{
	"dynamodb:BatchGetItem",
	"dynamodb:PutItem",
	"dynamodb:DeleteItem",
}

// resultsActions are the S3 operations the export and list loading perform.
var resultsActions = []string{
	"s3:GetObject",
	"s3:PutObject",
}

// Checker simulates the engine's required permissions against a principal.
type Checker struct {
	client aws.IAMClient
	log    *slog.Logger
}

// NewChecker creates a Checker.
func NewChecker(client aws.IAMClient, log *slog.Logger) *Checker {
	return &Checker{
		client: client,
		log:    log.With(slog.String("component", "preflight")),
	}
}

// Check simulates cache-table and results-bucket access for the principal
// and returns an error naming every denied action.
func (c *Checker) Check(ctx context.Context, principalARN, cacheTableARN, resultsBucketARN string) error {
	denied, err := c.simulate(ctx, principalARN, cacheActions, []string{cacheTableARN})
	if err != nil {
		return err
	}

	bucketDenied, err := c.simulate(ctx, principalARN, resultsActions, []string{resultsBucketARN + "/*"})
	if err != nil {
		return err
	}
	denied = append(denied, bucketDenied...)

	if len(denied) > 0 {
		return fmt.Errorf("principal %s is denied: %v", principalARN, denied)
	}

	c.log.Info("preflight passed",
		slog.String("principal", principalARN),
		slog.String("cache_table", cacheTableARN),
		slog.String("results_bucket", resultsBucketARN))
	return nil
}

func (c *Checker) simulate(ctx context.Context, principalARN string, actions, resources []string) ([]string, error) {
	out, err := c.client.SimulatePrincipalPolicy(ctx, &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: &principalARN,
		ActionNames:     actions,
		ResourceArns:    resources,
	})
	if err != nil {
		return nil, fmt.Errorf("simulate policy: %w", err)
	}

	var denied []string
	for _, result := range out.EvaluationResults {
		if result.EvalDecision != types.PolicyEvaluationDecisionTypeAllowed {
			action := ""
			if result.EvalActionName != nil {
				action = *result.EvalActionName
			}
			denied = append(denied, action)
		}
	}
	return denied, nil
}
