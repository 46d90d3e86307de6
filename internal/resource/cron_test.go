package resource

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCronField_Valid(t *testing.T) {
	tests := []struct {
		field Field
		in    string
		want  string
	}{
		{FieldMinute, "*", "*"},
		{FieldMinute, " */15 ", "*/15"},
		{FieldHour, "3", "3"},
		{FieldHour, "9-17", "9-17"},
		{FieldHour, "9-17/2", "9-17/2"},
		{FieldSecond, "5/10", "5/10"},
		{FieldDay, "1,15,last", "1,15,last"},
		{FieldDay, "LAST", "last"},
		{FieldMonth, "jan-mar,DEC", "1-3,12"},
		{FieldDayOfWeek, "mon-fri", "1-5"},
		{FieldDayOfWeek, "sun", "0"},
		{FieldYear, "2030-2035", "2030-2035"},
		{FieldWeek, "53", "53"},
	}
	for _, tt := range tests {
		t.Run(tt.field.String()+"/"+tt.in, func(t *testing.T) {
			cf, err := ParseCronField(tt.field, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cf.String())
			assert.Equal(t, tt.field, cf.Field())
		})
	}
}

func TestParseCronField_Invalid(t *testing.T) {
	tests := []struct {
		field Field
		in    string
	}{
		{FieldMinute, ""},
		{FieldMinute, "60"},
		{FieldHour, "-1"},
		{FieldHour, "5-2"},
		{FieldHour, "*/0"},
		{FieldHour, "*/x"},
		{FieldDay, "0"},
		{FieldDay, "1,,2"},
		{FieldMonth, "13"},
		{FieldMonth, "janvier"},
		{FieldDayOfWeek, "7"},
		{FieldYear, "1969"},
		{FieldYear, "last"},
		{FieldWeek, "54"},
		{FieldSecond, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.field.String()+"/"+tt.in, func(t *testing.T) {
			_, err := ParseCronField(tt.field, tt.in)
			assert.Error(t, err)
		})
	}
}

func TestCronField_Matches(t *testing.T) {
	day := MustCronField(FieldDay, "1,last")
	assert.True(t, day.Matches(1, 30))
	assert.True(t, day.Matches(30, 30))
	assert.False(t, day.Matches(31, 30)) // only 30 days in context
	assert.False(t, day.Matches(15, 30))
	assert.True(t, day.HasLast())

	hour := MustCronField(FieldHour, "last")
	assert.True(t, hour.Matches(23, FieldHour.Max()))
	assert.Equal(t, "23", hour.Spec())

	step := MustCronField(FieldMinute, "10-40/15")
	for v, want := range map[int]bool{10: true, 25: true, 40: true, 41: false, 55: false, 0: false} {
		assert.Equal(t, want, step.Matches(v, 59), v)
	}

	startStep := MustCronField(FieldSecond, "5/20")
	assert.True(t, startStep.Matches(45, 59))
	assert.False(t, startStep.Matches(0, 59))

	assert.True(t, MustCronField(FieldMinute, "*").IsWildcard())
	assert.False(t, MustCronField(FieldMinute, "*/2").IsWildcard())
}

func TestParseCronExpression(t *testing.T) {
	e, err := ParseCronExpression(map[string]string{"hour": "3", "minute": "30", "day": ""})
	require.NoError(t, err)
	assert.Nil(t, e.Day)
	assert.Equal(t, "3", e.Hour.String())
	assert.Equal(t, "hour=3 minute=30", e.String())

	_, err = ParseCronExpression(map[string]string{})
	assert.ErrorIs(t, err, ErrEmptySchedule)

	_, err = ParseCronExpression(map[string]string{"fortnight": "1"})
	assert.Error(t, err)

	_, err = ParseCronExpression(map[string]string{"hour": "25"})
	assert.Error(t, err)
}

func TestCronExpression_Resolved(t *testing.T) {
	// hour set: year..day_of_week become wildcards, minute/second take 0
	e, err := ParseCronExpression(map[string]string{"hour": "3"})
	require.NoError(t, err)
	r := e.Resolved()
	assert.Equal(t, "*", r.Year.String())
	assert.Equal(t, "*", r.Month.String())
	assert.Equal(t, "*", r.Day.String())
	assert.Equal(t, "*", r.Week.String())
	assert.Equal(t, "*", r.DayOfWeek.String())
	assert.Equal(t, "3", r.Hour.String())
	assert.Equal(t, "0", r.Minute.String())
	assert.Equal(t, "0", r.Second.String())

	// month set: day falls back to 1, week and day_of_week stay open
	e, err = ParseCronExpression(map[string]string{"month": "6"})
	require.NoError(t, err)
	r = e.Resolved()
	assert.Equal(t, "1", r.Day.String())
	assert.Equal(t, "*", r.Week.String())
	assert.Equal(t, "*", r.DayOfWeek.String())
	assert.Equal(t, "0", r.Hour.String())

	// the stored expression is untouched
	assert.Nil(t, e.Day)
}

func TestCronExpression_JSON(t *testing.T) {
	e, err := ParseCronExpression(map[string]string{"day_of_week": "mon", "hour": "2"})
	require.NoError(t, err)

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"day_of_week":"1","hour":"2"}`, string(data))

	var back CronExpression
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, e.Equal(back))
	assert.Nil(t, back.Minute, "unset fields must stay unset")

	assert.Error(t, json.Unmarshal([]byte(`{"hour":"99"}`), &back))
	assert.Error(t, json.Unmarshal([]byte(`{}`), &back))
	assert.NoError(t, json.Unmarshal([]byte(`{"minute":null,"second":"0"}`), &back))
	assert.Equal(t, "second=0", back.String())
}
