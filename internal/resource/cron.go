package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Field identifies one position of a CronExpression, most significant
// first.
type Field int

const (
	FieldYear Field = iota
	FieldMonth
	FieldDay
	FieldWeek
	FieldDayOfWeek
	FieldHour
	FieldMinute
	FieldSecond
)

// Fields lists every Field in significance order.
var Fields = []Field{FieldYear, FieldMonth, FieldDay, FieldWeek, FieldDayOfWeek, FieldHour, FieldMinute, FieldSecond}

type fieldSpec struct {
	name  string
	min   int
	max   int
	names []string // index+min is the value
	// def is the value an unset field takes when it is less significant
	// than every set field. Empty means wildcard.
	def string
}

var specs = map[Field]fieldSpec{
	FieldYear:      {name: "year", min: 1970, max: 2099},
	FieldMonth:     {name: "month", min: 1, max: 12, def: "1", names: []string{"jan", "feb", "mar", "apr", "may", "jun", "jul", "aug", "sep", "oct", "nov", "dec"}},
	FieldDay:       {name: "day", min: 1, max: 31, def: "1"},
	FieldWeek:      {name: "week", min: 1, max: 53},
	FieldDayOfWeek: {name: "day_of_week", min: 0, max: 6, names: []string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}},
	FieldHour:      {name: "hour", min: 0, max: 23, def: "0"},
	FieldMinute:    {name: "minute", min: 0, max: 59, def: "0"},
	FieldSecond:    {name: "second", min: 0, max: 59, def: "0"},
}

func (f Field) String() string { return specs[f].name }

func (f Field) Min() int { return specs[f].min }
func (f Field) Max() int { return specs[f].max }

// ParseField maps a field name such as "day_of_week" to its Field.
func ParseField(name string) (Field, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, f := range Fields {
		if specs[f].name == name {
			return f, true
		}
	}
	return 0, false
}

type termKind int

const (
	termAll termKind = iota
	termValue
	termRange
	termStartStep
	termLast
)

type term struct {
	kind   termKind
	lo, hi int
	step   int
}

// CronField is one validated field pattern. It is immutable once parsed.
type CronField struct {
	field Field
	terms []term
}

// ParseCronField parses a comma separated list of terms: *, N, A-B, */S,
// N/S, A-B/S or last. Month and weekday names are accepted.
func ParseCronField(f Field, s string) (*CronField, error) {
	spec, ok := specs[f]
	if !ok {
		return nil, fmt.Errorf("unknown cron field %d", f)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil, fmt.Errorf("%s: empty expression", spec.name)
	}

	cf := &CronField{field: f}
	for _, raw := range strings.Split(s, ",") {
		t, err := parseTerm(spec, f, strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %q: %w", spec.name, raw, err)
		}
		cf.terms = append(cf.terms, t)
	}
	return cf, nil
}

// MustCronField is ParseCronField for literals known to be valid.
func MustCronField(f Field, s string) *CronField {
	cf, err := ParseCronField(f, s)
	if err != nil {
		panic(err)
	}
	return cf
}

func parseTerm(spec fieldSpec, f Field, s string) (term, error) {
	if s == "" {
		return term{}, errors.New("empty term")
	}
	if s == "last" {
		if f == FieldYear {
			return term{}, errors.New("last is not valid for year")
		}
		return term{kind: termLast}, nil
	}

	base, stepStr, hasStep := strings.Cut(s, "/")
	step := 0
	if hasStep {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n < 1 {
			return term{}, fmt.Errorf("invalid step %q", stepStr)
		}
		step = n
	}

	if base == "*" {
		if step > 0 && step > spec.max-spec.min {
			return term{}, fmt.Errorf("step %d exceeds the field range", step)
		}
		return term{kind: termAll, lo: spec.min, hi: spec.max, step: step}, nil
	}

	if loStr, hiStr, isRange := strings.Cut(base, "-"); isRange {
		lo, err := parseValue(spec, loStr)
		if err != nil {
			return term{}, err
		}
		hi, err := parseValue(spec, hiStr)
		if err != nil {
			return term{}, err
		}
		if lo > hi {
			return term{}, fmt.Errorf("range start %d is after end %d", lo, hi)
		}
		return term{kind: termRange, lo: lo, hi: hi, step: step}, nil
	}

	v, err := parseValue(spec, base)
	if err != nil {
		return term{}, err
	}
	if hasStep {
		return term{kind: termStartStep, lo: v, hi: spec.max, step: step}, nil
	}
	return term{kind: termValue, lo: v, hi: v}, nil
}

func parseValue(spec fieldSpec, s string) (int, error) {
	for i, n := range spec.names {
		if s == n {
			return spec.min + i, nil
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < spec.min || v > spec.max {
		return 0, fmt.Errorf("value %d out of range %d-%d", v, spec.min, spec.max)
	}
	return v, nil
}

func (c *CronField) Field() Field { return c.field }

// String is the canonical rendering: names become numbers, case and
// whitespace are normalized.
func (c *CronField) String() string {
	return c.render(false)
}

// Spec renders the field for a standard cron parser, with last replaced
// by the field maximum. On day that is lossy; check HasLast.
func (c *CronField) Spec() string {
	return c.render(true)
}

func (c *CronField) render(resolveLast bool) string {
	parts := make([]string, len(c.terms))
	for i, t := range c.terms {
		parts[i] = t.render(c.field, resolveLast)
	}
	return strings.Join(parts, ",")
}

func (t term) render(f Field, resolveLast bool) string {
	var s string
	switch t.kind {
	case termAll:
		s = "*"
	case termValue:
		return strconv.Itoa(t.lo)
	case termRange:
		s = fmt.Sprintf("%d-%d", t.lo, t.hi)
	case termStartStep:
		s = strconv.Itoa(t.lo)
	case termLast:
		if resolveLast {
			return strconv.Itoa(specs[f].max)
		}
		return "last"
	}
	if t.step > 0 {
		s += "/" + strconv.Itoa(t.step)
	}
	return s
}

// HasLast reports whether any term is "last".
func (c *CronField) HasLast() bool {
	for _, t := range c.terms {
		if t.kind == termLast {
			return true
		}
	}
	return false
}

// IsWildcard reports whether the field matches every value.
func (c *CronField) IsWildcard() bool {
	for _, t := range c.terms {
		if t.kind == termAll && t.step <= 1 {
			return true
		}
	}
	return false
}

// Matches reports whether v satisfies the field. last is the value "last"
// stands for in context, the number of days in the month for day and the
// field maximum elsewhere.
func (c *CronField) Matches(v, last int) bool {
	for _, t := range c.terms {
		if t.matches(v, last) {
			return true
		}
	}
	return false
}

func (t term) matches(v, last int) bool {
	if t.kind == termLast {
		return v == last
	}
	if v < t.lo || v > t.hi {
		return false
	}
	if t.step > 0 {
		return (v-t.lo)%t.step == 0
	}
	return true
}

func (c *CronField) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// CronExpression holds up to eight optional fields. Unset fields are nil
// and stay distinct from "*" when stored.
type CronExpression struct {
	Year      *CronField
	Month     *CronField
	Day       *CronField
	Week      *CronField
	DayOfWeek *CronField
	Hour      *CronField
	Minute    *CronField
	Second    *CronField
}

// ErrEmptySchedule is returned for an expression with no field set.
var ErrEmptySchedule = errors.New("cron expression has no field set")

// ParseCronExpression builds an expression from field name to pattern.
// Empty patterns leave the field unset.
func ParseCronExpression(values map[string]string) (CronExpression, error) {
	var e CronExpression
	var errs []error
	for name, raw := range values {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		f, ok := ParseField(name)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown cron field %q", name))
			continue
		}
		cf, err := ParseCronField(f, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.set(f, cf)
	}
	if err := errors.Join(errs...); err != nil {
		return CronExpression{}, err
	}
	return e, e.Validate()
}

func (e *CronExpression) ptr(f Field) **CronField {
	switch f {
	case FieldYear:
		return &e.Year
	case FieldMonth:
		return &e.Month
	case FieldDay:
		return &e.Day
	case FieldWeek:
		return &e.Week
	case FieldDayOfWeek:
		return &e.DayOfWeek
	case FieldHour:
		return &e.Hour
	case FieldMinute:
		return &e.Minute
	default:
		return &e.Second
	}
}

func (e *CronExpression) set(f Field, cf *CronField) { *e.ptr(f) = cf }

// Get returns the field, nil when unset.
func (e CronExpression) Get(f Field) *CronField { return *e.ptr(f) }

// IsZero reports whether no field is set.
func (e CronExpression) IsZero() bool {
	for _, f := range Fields {
		if e.Get(f) != nil {
			return false
		}
	}
	return true
}

func (e CronExpression) Validate() error {
	if e.IsZero() {
		return ErrEmptySchedule
	}
	return nil
}

// Resolved fills unset fields the way the scheduler interprets them:
// fields more significant than the least significant set field match
// everything, less significant ones take their minimum, except week and
// day_of_week which never constrain unless set.
func (e CronExpression) Resolved() CronExpression {
	var out CronExpression
	least := -1
	for i, f := range Fields {
		if e.Get(f) != nil {
			least = i
		}
	}
	for i, f := range Fields {
		cf := e.Get(f)
		switch {
		case cf != nil:
		case i > least && specs[f].def != "":
			cf = MustCronField(f, specs[f].def)
		default:
			cf = MustCronField(f, "*")
		}
		out.set(f, cf)
	}
	return out
}

// String renders the set fields as name=pattern pairs.
func (e CronExpression) String() string {
	var parts []string
	for _, f := range Fields {
		if cf := e.Get(f); cf != nil {
			parts = append(parts, f.String()+"="+cf.String())
		}
	}
	return strings.Join(parts, " ")
}

// Equal compares canonical renderings.
func (e CronExpression) Equal(o CronExpression) bool {
	return e.String() == o.String()
}

// MarshalJSON writes an object holding only the set fields.
func (e CronExpression) MarshalJSON() ([]byte, error) {
	m := map[string]string{}
	for _, f := range Fields {
		if cf := e.Get(f); cf != nil {
			m[f.String()] = cf.String()
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON re-validates every stored pattern.
func (e *CronExpression) UnmarshalJSON(data []byte) error {
	var m map[string]*string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	values := map[string]string{}
	for k, v := range m {
		if v != nil {
			values[k] = *v
		}
	}
	parsed, err := ParseCronExpression(values)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
