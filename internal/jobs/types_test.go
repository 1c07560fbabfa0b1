package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rishansujesh/jobsched/internal/progress"
	"github.com/rishansujesh/jobsched/internal/schedule"
)

func TestRegistry_BuiltinsAndRegister(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []JobType{TypeHTTPCall, TypeShellCommand, TypeSleep}, r.Types())

	r.Register(Descriptor{
		Type: "CUSTOM",
		Execute: func(context.Context, Configuration, progress.Reporter) error {
			return nil
		},
	})
	d, ok := r.Lookup("CUSTOM")
	require.True(t, ok)
	assert.NotNil(t, d.Execute)
	assert.Nil(t, d.NewParameters)
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	cases := []struct {
		name  string
		cfg   Configuration
		valid bool
	}{
		{"cron ok", Configuration{Name: "a", Type: TypeSleep, SchedulingType: schedule.Cron, CronExpression: "0 0 12 * * ?"}, true},
		{"cron malformed", Configuration{Name: "a", Type: TypeSleep, SchedulingType: schedule.Cron, CronExpression: "0 12 * *"}, false},
		{"cron unset", Configuration{Name: "a", Type: TypeSleep, SchedulingType: schedule.Cron, CronExpression: schedule.UnsetCron}, false},
		{"delay ok", Configuration{Name: "a", Type: TypeSleep, SchedulingType: schedule.FixedDelay, Delay: 10}, true},
		{"delay zero", Configuration{Name: "a", Type: TypeSleep, SchedulingType: schedule.FixedDelay}, false},
		{"once", Configuration{Name: "a", Type: TypeSleep, SchedulingType: schedule.OnceASAP}, true},
		{"unknown type", Configuration{Name: "a", Type: "NOPE", SchedulingType: schedule.OnceASAP}, false},
		{"no name", Configuration{Type: TypeSleep, SchedulingType: schedule.OnceASAP}, false},
		{"bad params", Configuration{Name: "a", Type: TypeShellCommand, SchedulingType: schedule.OnceASAP,
			Parameters: &ShellCommandParameters{}}, false},
		{"params of other type", Configuration{Name: "a", Type: TypeSleep, SchedulingType: schedule.OnceASAP,
			Parameters: &ShellCommandParameters{Command: "true"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Validate(&tc.cfg)
			if tc.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}
}

func TestDecodeParameters(t *testing.T) {
	r := NewRegistry()
	p, err := DecodeParameters(r, TypeHTTPCall, []byte(`{"method":"POST","url":"http://x/y","retry_on_codes":[503]}`))
	require.NoError(t, err)
	h, ok := p.(*HTTPCallParameters)
	require.True(t, ok)
	assert.Equal(t, "POST", h.Method)
	assert.Equal(t, []int{503}, h.RetryOnCodes)

	p, err = DecodeParameters(r, TypeSleep, nil)
	require.NoError(t, err)
	assert.IsType(t, &SleepParameters{}, p)

	_, err = DecodeParameters(r, TypeSleep, []byte(`{"stages":"x"}`))
	assert.True(t, IsValidation(err))
	_, err = DecodeParameters(r, "NOPE", nil)
	assert.True(t, IsValidation(err))
}

func TestHTTPCallParameters_Validate(t *testing.T) {
	assert.NoError(t, (&HTTPCallParameters{URL: "https://example.com"}).Validate())
	assert.Error(t, (&HTTPCallParameters{URL: "not a url"}).Validate())
	assert.Error(t, (&HTTPCallParameters{URL: "https://example.com", Method: "TRACE"}).Validate())
}
