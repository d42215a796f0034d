package verifier

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/scheduler"
	schedtypes "github.com/aws/aws-sdk-go-v2/service/scheduler/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsAPI is the subset of the Secrets Manager client the probes use.
type SecretsAPI interface {
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
}

// SchedulerAPI is the subset of the EventBridge Scheduler client the probes use.
type SchedulerAPI interface {
	GetSchedule(ctx context.Context, params *scheduler.GetScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.GetScheduleOutput, error)
}

// SettingProbe fails when value is empty.
func SettingProbe(name, value string) Probe {
	return Probe{Name: "setting " + name, Check: func(context.Context) error {
		if value == "" {
			return fmt.Errorf("%s is not set", name)
		}
		return nil
	}}
}

// SecretProbe fails when the secret is missing or scheduled for deletion.
func SecretProbe(client SecretsAPI, secretARN string) Probe {
	return Probe{Name: "cache credentials secret", Check: func(ctx context.Context) error {
		out, err := client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(secretARN)})
		if err != nil {
			return fmt.Errorf("describing %s: %w", secretARN, err)
		}
		if out.DeletedDate != nil {
			return fmt.Errorf("secret %s is scheduled for deletion", secretARN)
		}
		return nil
	}}
}

// ScheduleProbe fails when the nightly schedule is missing or disabled.
func ScheduleProbe(client SchedulerAPI, name, group string) Probe {
	return Probe{Name: "nightly schedule", Check: func(ctx context.Context) error {
		in := &scheduler.GetScheduleInput{Name: aws.String(name)}
		if group != "" {
			in.GroupName = aws.String(group)
		}
		out, err := client.GetSchedule(ctx, in)
		if err != nil {
			return fmt.Errorf("getting schedule %s: %w", name, err)
		}
		if out.State != schedtypes.ScheduleStateEnabled {
			return fmt.Errorf("schedule %s is %s", name, out.State)
		}
		return nil
	}}
}
