package payroll

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/hr"
	"github.com/gn-erp/paie/internal/money"
	"github.com/gn-erp/paie/internal/rules"
)

var defaultMonthlyHours = decimal.RequireFromString("173.33")

// BuildInput gathers everything the builder reads for one slip.
type BuildInput struct {
	Employee    Employee
	Year        int
	Month       int
	WorkingDays int
	Elements    []rules.SalaryElement
	Inputs      MonthlyInputs
	Events      []Event
	Snapshot    *rules.Snapshot
	// ChildrenOverride replaces the eligible-children count derived from the
	// employee's children (used by simulations).
	ChildrenOverride *int
}

// Built is the evaluated line set of a slip before contributions and tax.
type Built struct {
	Lines            []Line
	Gross            decimal.Decimal
	EligibleChildren int
	Warnings         []Warning
}

type candidateSource int

const (
	sourceElement candidateSource = iota
	sourceOvertime
	sourceEvent
)

type candidate struct {
	rubric   rules.Rubric
	source   candidateSource
	element  rules.SalaryElement
	hours    decimal.Decimal
	premium  string
	event    Event
	baseRef  string
	order    int
	sequence int64
}

// Build assembles and evaluates the lines of one slip in computation order.
func Build(in BuildInput) (Built, error) {
	if in.Snapshot == nil {
		return Built{}, fmt.Errorf("%w: no rule snapshot", rules.ErrConfigurationMissing)
	}
	var warnings []Warning
	if len(in.Elements) == 0 {
		warnings = append(warnings, WarnEmptyElements)
	}

	b := &builder{in: in, currency: in.Snapshot.Currency, values: map[string]decimal.Decimal{}, gains: decimal.Zero}
	b.children = b.eligibleChildren()

	// overtime and HR events still produce lines once every element has ended
	cands, err := b.candidates()
	if err != nil {
		return Built{}, err
	}
	if len(cands) == 0 {
		return Built{Gross: decimal.Zero, Warnings: warnings, EligibleChildren: b.children}, nil
	}
	if err := checkCycles(cands); err != nil {
		return Built{}, err
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].order != cands[j].order {
			return cands[i].order < cands[j].order
		}
		if cands[i].rubric.Code != cands[j].rubric.Code {
			return cands[i].rubric.Code < cands[j].rubric.Code
		}
		return cands[i].sequence < cands[j].sequence
	})
	b.pending = make(map[string]int, len(cands))
	for _, c := range cands {
		b.pending[c.rubric.Code]++
	}

	lines := make([]Line, 0, len(cands))
	for _, c := range cands {
		line, err := b.evaluate(c)
		if err != nil {
			return Built{}, fmt.Errorf("%s: %w", c.rubric.Code, err)
		}
		b.pending[c.rubric.Code]--
		b.values[c.rubric.Code] = b.values[c.rubric.Code].Add(line.Amount)
		if line.IsGain() {
			b.gains = b.gains.Add(line.Amount)
		}
		lines = append(lines, line)
	}
	return Built{Lines: lines, Gross: b.gains, EligibleChildren: b.children, Warnings: warnings}, nil
}

type builder struct {
	in       BuildInput
	currency string
	values   map[string]decimal.Decimal
	pending  map[string]int
	gains    decimal.Decimal
	children int
}

func (b *builder) candidates() ([]candidate, error) {
	var out []candidate
	for _, e := range b.in.Elements {
		r := e.Rubric
		if r.Code == "" {
			var err error
			if r, err = b.in.Snapshot.Rubric(e.RubricCode); err != nil {
				return nil, err
			}
			e.Rubric = r
		}
		out = append(out, candidate{
			rubric:   r,
			source:   sourceElement,
			element:  e,
			baseRef:  e.EffectiveBaseRef(),
			order:    r.ComputationOrder,
			sequence: e.ID,
		})
	}

	if b.in.Inputs.HasOvertime() {
		overtime := []struct {
			code    string
			hours   decimal.Decimal
			premium string
		}{
			{CodeOvertimeFirst4, b.in.Inputs.OvertimeFirst4, rules.CodeTauxHS4Premieres},
			{CodeOvertimeBeyond, b.in.Inputs.OvertimeBeyond, rules.CodeTauxHSAuDela},
			{CodeOvertimeNight, b.in.Inputs.OvertimeNight, rules.CodeTauxHSNuit},
			{CodeOvertimeHolidayDay, b.in.Inputs.OvertimeHolidayDay, rules.CodeTauxHSFerieJour},
			{CodeOvertimeHolidayNight, b.in.Inputs.OvertimeHolidayNight, rules.CodeTauxHSFerieNuit},
		}
		for i, ot := range overtime {
			if !ot.hours.IsPositive() {
				continue
			}
			r := b.systemRubric(ot.code, 30+i, rules.KindGain, true, true)
			out = append(out, candidate{
				rubric:  r,
				source:  sourceOvertime,
				hours:   ot.hours,
				premium: ot.premium,
				baseRef: rules.BaseSalary,
				order:   r.ComputationOrder,
			})
		}
	}

	for _, ev := range b.in.Events {
		var codes []string
		switch ev.Kind {
		case EventTermination:
			codes = []string{CodeNotice, CodeSeverance}
		case EventWorkAccident:
			codes = []string{CodeWorkAccident}
		case EventMaternity:
			codes = []string{CodeMaternity}
		default:
			return nil, fmt.Errorf("payroll: unknown event kind %q", ev.Kind)
		}
		for i, code := range codes {
			kind := rules.KindGain
			if code == CodeMaternity {
				kind = rules.KindInformational
			}
			r := b.systemRubric(code, 70+i, kind, code == CodeNotice, code == CodeNotice)
			out = append(out, candidate{
				rubric:   r,
				source:   sourceEvent,
				event:    ev,
				baseRef:  rules.BaseSalary,
				order:    r.ComputationOrder,
				sequence: ev.ID,
			})
		}
	}
	return out, nil
}

// systemRubric returns the catalog rubric for code, or a default rubric when
// the employer has not configured it.
func (b *builder) systemRubric(code string, order int, kind rules.RubricKind, social, tax bool) rules.Rubric {
	if r, err := b.in.Snapshot.Rubric(code); err == nil {
		return r
	}
	return rules.Rubric{
		Code:             code,
		Label:            code,
		Kind:             kind,
		SubjectToSocial:  social,
		SubjectToTax:     tax,
		ComputationOrder: order,
		DisplayOrder:     order,
		Displayed:        true,
		Active:           true,
	}
}

// checkCycles rejects base references forming a loop among the slip's rubrics.
func checkCycles(cands []candidate) error {
	present := make(map[string]bool, len(cands))
	for _, c := range cands {
		present[c.rubric.Code] = true
	}
	edges := make(map[string][]string)
	for _, c := range cands {
		if c.baseRef != "" && present[c.baseRef] {
			edges[c.rubric.Code] = append(edges[c.rubric.Code], c.baseRef)
		}
		if c.baseRef == rules.BaseSalary && c.rubric.Code != rules.RubricBaseSalaryCode && present[rules.RubricBaseSalaryCode] {
			edges[c.rubric.Code] = append(edges[c.rubric.Code], rules.RubricBaseSalaryCode)
		}
	}
	return rules.DetectCycle(edges)
}

func (b *builder) eligibleChildren() int {
	if b.in.ChildrenOverride != nil {
		return min(max(*b.in.ChildrenOverride, 0), hr.MaxFamilyChildren)
	}
	days, hours := b.workedDays(), b.workedHours()
	if !hr.FamilyEligible(days, hours) {
		return 0
	}
	return hr.EligibleChildren(b.in.Employee.Children, rules.FirstDay(b.in.Year, b.in.Month))
}

func (b *builder) workedDays() decimal.Decimal {
	if b.in.Inputs.WorkedDays != nil {
		return *b.in.Inputs.WorkedDays
	}
	return decimal.NewFromInt(int64(b.in.WorkingDays))
}

func (b *builder) workedHours() decimal.Decimal {
	if b.in.Inputs.WorkedHours != nil {
		return *b.in.Inputs.WorkedHours
	}
	return b.monthlyHours()
}

func (b *builder) monthlyHours() decimal.Decimal {
	h := b.in.Snapshot.ConstantOr(rules.CodeHeuresMensuelles, defaultMonthlyHours)
	if !h.IsPositive() {
		return defaultMonthlyHours
	}
	return h
}

// resolve returns the value of a base reference given the lines evaluated so far.
func (b *builder) resolve(ref string) (decimal.Decimal, error) {
	switch ref {
	case rules.BaseGross:
		return b.gains, nil
	case rules.BaseSalary:
		return b.rubricValue(rules.RubricBaseSalaryCode)
	case rules.BaseEligibleChildren:
		return decimal.NewFromInt(int64(b.children)), nil
	case rules.BaseWorkedDays:
		return b.workedDays(), nil
	case rules.BaseWorkedHours:
		return b.workedHours(), nil
	}
	if v, ok := b.in.Snapshot.Constant(ref); ok {
		return v, nil
	}
	return b.rubricValue(ref)
}

func (b *builder) rubricValue(code string) (decimal.Decimal, error) {
	if b.pending[code] > 0 {
		return decimal.Zero, fmt.Errorf("%w: %s is not evaluated yet", ErrUnknownBaseReference, code)
	}
	if v, ok := b.values[code]; ok {
		return v, nil
	}
	if _, ok := b.in.Snapshot.Rubrics[code]; ok || code == rules.RubricBaseSalaryCode {
		return decimal.Zero, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownBaseReference, code)
}

func (b *builder) newLine(c candidate) Line {
	l := Line{
		RubricCode:      c.rubric.Code,
		Label:           c.rubric.Label,
		Kind:            c.rubric.Kind,
		Order:           c.order,
		Displayed:       c.rubric.Displayed,
		SubjectToSocial: c.rubric.SubjectToSocial,
		SubjectToTax:    c.rubric.SubjectToTax,
		Forfait:         c.rubric.ForfaitIndemnity,
	}
	if c.source == sourceElement && c.element.ID != 0 {
		id := c.element.ID
		l.ElementID = &id
	}
	return l
}

func (b *builder) evaluate(c candidate) (Line, error) {
	switch c.source {
	case sourceOvertime:
		return b.evaluateOvertime(c)
	case sourceEvent:
		return b.evaluateEvent(c)
	}
	return b.evaluateElement(c)
}

func (b *builder) evaluateElement(c candidate) (Line, error) {
	l := b.newLine(c)
	e := c.element

	rate := e.Rate
	fixed := e.Amount
	if rate == nil && fixed == nil {
		rate, fixed = c.rubric.DefaultRate, c.rubric.DefaultAmount
		if rate != nil && fixed != nil {
			fixed = nil
		}
	}
	if fixed == nil && rate == nil && c.baseRef == rules.BaseEligibleChildren {
		if perChild, ok := b.in.Snapshot.Constant(rules.CodeAllocFamParEnfant); ok {
			fixed = &perChild
		}
	}

	var base *decimal.Decimal
	if c.baseRef != "" && (fixed == nil || countBase(c.baseRef)) {
		v, err := b.resolve(c.baseRef)
		if err != nil {
			return Line{}, err
		}
		base = &v
	}

	switch {
	case rate != nil:
		if base == nil {
			return Line{}, fmt.Errorf("%w: rate without a base", ErrUnknownBaseReference)
		}
		r := money.Rate(*rate)
		amount := money.Round(money.Percent(*base, r), b.currency)
		if e.Quantity != nil {
			amount = money.Round(amount.Mul(*e.Quantity), b.currency)
		}
		l.Base, l.Rate, l.Quantity, l.Amount = base, &r, e.Quantity, amount
	case fixed != nil && base != nil:
		qty, unit := *base, *fixed
		l.Base, l.Quantity, l.Amount = &unit, &qty, money.Round(qty.Mul(unit), b.currency)
	case fixed != nil:
		amount := *fixed
		if e.Quantity != nil {
			unit := amount
			l.Base = &unit
			amount = amount.Mul(*e.Quantity)
		}
		l.Quantity, l.Amount = e.Quantity, money.Round(amount, b.currency)
	case base != nil:
		l.Base, l.Amount = base, money.Round(*base, b.currency)
	default:
		return Line{}, fmt.Errorf("payroll: element %d has neither amount, rate nor base", e.ID)
	}
	return l, nil
}

// countBase reports whether ref is a count priced at a fixed unit amount.
func countBase(ref string) bool {
	switch ref {
	case rules.BaseEligibleChildren, rules.BaseWorkedDays, rules.BaseWorkedHours:
		return true
	}
	return false
}

func (b *builder) baseSalary() (decimal.Decimal, error) {
	return b.rubricValue(rules.RubricBaseSalaryCode)
}

// evaluateOvertime prices hours at the premium over hourly = base salary / monthly hours.
func (b *builder) evaluateOvertime(c candidate) (Line, error) {
	l := b.newLine(c)
	salary, err := b.baseSalary()
	if err != nil {
		return Line{}, err
	}
	hourly := money.Round(salary.Div(b.monthlyHours()), b.currency)
	premium := money.Rate(b.in.Snapshot.ConstantOr(c.premium, defaultPremiums[c.premium]))
	hours := c.hours
	l.Base, l.Rate, l.Quantity = &hourly, &premium, &hours
	l.Amount = money.Round(money.Percent(hours.Mul(hourly), premium), b.currency)
	return l, nil
}

var defaultPremiums = map[string]decimal.Decimal{
	rules.CodeTauxHS4Premieres: decimal.NewFromInt(130),
	rules.CodeTauxHSAuDela:     decimal.NewFromInt(160),
	rules.CodeTauxHSNuit:       decimal.NewFromInt(120),
	rules.CodeTauxHSFerieJour:  decimal.NewFromInt(160),
	rules.CodeTauxHSFerieNuit:  decimal.NewFromInt(200),
}

func (b *builder) evaluateEvent(c candidate) (Line, error) {
	l := b.newLine(c)
	ev := c.event
	salary, err := b.baseSalary()
	if err != nil {
		return Line{}, err
	}
	reference := salary
	if ev.ReferenceSalary != nil {
		reference = *ev.ReferenceSalary
	}

	switch c.rubric.Code {
	case CodeSeverance:
		years := hr.SeniorityYears(b.in.Employee.HireDate, ev.Date)
		qty := decimal.NewFromInt(int64(years))
		l.Base, l.Quantity = &reference, &qty
		l.Amount = hr.Severance(years, reference, b.currency)
		l.Comment = fmt.Sprintf("%d an(s) d'ancienneté", years)
	case CodeNotice:
		months := decimal.NewFromInt(int64(hr.NoticeMonths(b.in.Employee.Category)))
		l.Base, l.Quantity = &reference, &months
		l.Amount = hr.NoticeIndemnity(b.in.Employee.Category, reference, ev.NoticeWorked, b.currency)
		if ev.NoticeWorked {
			l.Comment = "préavis effectué"
		}
	case CodeWorkAccident:
		res, err := hr.WorkAccident(hr.DailyWage(reference), ev.DayOffset, ev.Days, b.currency)
		if err != nil {
			return Line{}, err
		}
		daily := money.Round(hr.DailyWage(reference), b.currency)
		days := decimal.NewFromInt(int64(ev.Days))
		l.Base, l.Quantity, l.Amount = &daily, &days, res.Amount
		l.Comment = fmt.Sprintf("%d j à 50 %%, %d j à 66,7 %%", res.DaysAtFirstRate, res.DaysAtLaterRate)
	case CodeMaternity:
		w, err := hr.Maternity(ev.Date, ev.MedicalExtension, ev.UnpaidExtensionMonths)
		if err != nil {
			return Line{}, err
		}
		days := decimal.NewFromInt(int64(w.PaidDaysIn(rules.FirstDay(b.in.Year, b.in.Month), monthEnd(b.in.Year, b.in.Month))))
		l.Quantity = &days
		l.Amount = decimal.Zero
		l.Comment = fmt.Sprintf("congé du %s au %s", w.Start.Format(time.DateOnly), w.PaidEnd.Format(time.DateOnly))
	default:
		return Line{}, fmt.Errorf("payroll: no evaluation for event rubric %s", c.rubric.Code)
	}
	return l, nil
}
