package verifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/scheduler"
	schedtypes "github.com/aws/aws-sdk-go-v2/service/scheduler/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
)

type mockSecrets struct {
	out *secretsmanager.DescribeSecretOutput
	err error
}

func (m *mockSecrets) DescribeSecret(context.Context, *secretsmanager.DescribeSecretInput, ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
	return m.out, m.err
}

type mockScheduler struct {
	in    *scheduler.GetScheduleInput
	state schedtypes.ScheduleState
	err   error
}

func (m *mockScheduler) GetSchedule(_ context.Context, in *scheduler.GetScheduleInput, _ ...func(*scheduler.Options)) (*scheduler.GetScheduleOutput, error) {
	m.in = in
	if m.err != nil {
		return nil, m.err
	}
	return &scheduler.GetScheduleOutput{State: m.state}, nil
}

func TestSettingProbe(t *testing.T) {
	assert.NoError(t, SettingProbe("timezone", "UTC").Check(context.Background()))
	assert.Error(t, SettingProbe("timezone", "").Check(context.Background()))
}

func TestSecretProbe(t *testing.T) {
	deleted := time.Now()
	tests := []struct {
		name    string
		mock    *mockSecrets
		wantErr bool
	}{
		{"present", &mockSecrets{out: &secretsmanager.DescribeSecretOutput{}}, false},
		{"scheduled for deletion", &mockSecrets{out: &secretsmanager.DescribeSecretOutput{DeletedDate: &deleted}}, true},
		{"api error", &mockSecrets{err: errors.New("AccessDenied")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SecretProbe(tt.mock, "arn:aws:secretsmanager:us-east-1:1:secret:db").Check(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScheduleProbe(t *testing.T) {
	m := &mockScheduler{state: schedtypes.ScheduleStateEnabled}
	assert.NoError(t, ScheduleProbe(m, "nightrun-nightly", "nightrun").Check(context.Background()))
	assert.Equal(t, "nightrun", *m.in.GroupName)

	m = &mockScheduler{state: schedtypes.ScheduleStateDisabled}
	assert.Error(t, ScheduleProbe(m, "nightrun-nightly", "").Check(context.Background()))

	m = &mockScheduler{err: errors.New("ResourceNotFoundException")}
	assert.Error(t, ScheduleProbe(m, "nightrun-nightly", "").Check(context.Background()))
}
