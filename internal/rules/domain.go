package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gn-erp/paie/internal/payroll/tax"
)

// Constant codes read by the payroll engine.
const (
	CodeSMIG                 = "SMIG"
	CodePlafondCNSS          = "PLAFOND_CNSS"
	CodePlancherCNSS         = "PLANCHER_CNSS"
	CodeTauxCNSSEmploye      = "TAUX_CNSS_EMPLOYE"
	CodeTauxCNSSEmployeur    = "TAUX_CNSS_EMPLOYEUR"
	CodeTauxVF               = "TAUX_VF"
	CodeTauxTA               = "TAUX_TA"
	CodeTauxONFPP            = "TAUX_ONFPP"
	CodeSeuilExonStagiaire   = "SEUIL_EXON_STAGIAIRE"
	CodePlafondIndemnitesPct = "PLAFOND_INDEMNITES_PCT"
	CodeTauxHS4Premieres     = "TAUX_HS_4PREMIERES"
	CodeTauxHSAuDela         = "TAUX_HS_AUDELA"
	CodeTauxHSNuit           = "TAUX_HS_NUIT"
	CodeTauxHSFerieJour      = "TAUX_HS_FERIE_JOUR"
	CodeTauxHSFerieNuit      = "TAUX_HS_FERIE_NUIT"
	CodeAllocFamParEnfant    = "ALLOC_FAM_PAR_ENFANT"
	CodeHeuresMensuelles     = "HEURES_MENSUELLES"
)

// RequiredConstants must be present before any slip can be computed.
var RequiredConstants = []string{
	CodeSMIG,
	CodePlafondCNSS,
	CodePlancherCNSS,
	CodeTauxCNSSEmploye,
	CodeTauxCNSSEmployeur,
	CodeTauxVF,
	CodePlafondIndemnitesPct,
}

// cappedRates are shares of a base and cannot exceed 100 %. Overtime premiums
// are multipliers of the hourly rate and routinely go above it.
var cappedRates = map[string]bool{
	CodeTauxCNSSEmploye:      true,
	CodeTauxCNSSEmployeur:    true,
	CodeTauxVF:               true,
	CodeTauxTA:               true,
	CodeTauxONFPP:            true,
	CodePlafondIndemnitesPct: true,
}

// ConstantKind classifies constant values.
type ConstantKind string

const (
	ConstantAmount  ConstantKind = "AMOUNT"
	ConstantPercent ConstantKind = "PERCENT"
	ConstantNumber  ConstantKind = "NUMBER"
)

// RubricKind classifies slip lines.
type RubricKind string

const (
	KindGain          RubricKind = "GAIN"
	KindDeduction     RubricKind = "DEDUCTION"
	KindContribution  RubricKind = "CONTRIBUTION"
	KindInformational RubricKind = "INFORMATIONAL"
)

// Valid reports whether k is a known rubric kind.
func (k RubricKind) Valid() bool {
	switch k {
	case KindGain, KindDeduction, KindContribution, KindInformational:
		return true
	}
	return false
}

var (
	// ErrConfigurationMissing is returned when a bracket table or a required constant is absent.
	ErrConfigurationMissing = errors.New("rules: configuration missing")
	// ErrUnknownRubric indicates an element references a rubric absent from the catalog.
	ErrUnknownRubric = errors.New("rules: unknown rubric")
	// ErrCyclicRubric indicates base references form a cycle.
	ErrCyclicRubric = errors.New("rules: cyclic rubric reference")
	// ErrOverlappingElement indicates two elements for the same rubric overlap in time.
	ErrOverlappingElement = errors.New("rules: overlapping salary element")
	// ErrElementLocked is returned when mutating an element already used by a validated slip.
	ErrElementLocked = errors.New("rules: salary element used by a validated slip")
	// ErrInvalidBrackets indicates a bracket table that does not cover [0, ∞) contiguously.
	ErrInvalidBrackets = errors.New("rules: invalid bracket table")
	// ErrNotFound indicates a missing rule row.
	ErrNotFound = errors.New("rules: not found")
	// ErrInvalidInput indicates a rule change rejected before reaching storage.
	ErrInvalidInput = errors.New("rules: invalid input")
)

// Constant is a dated numeric parameter (floor, ceiling, rate).
type Constant struct {
	ID         int64
	EmployerID int64
	Code       string
	Label      string
	Value      decimal.Decimal
	Kind       ConstantKind
	Category   string
	ValidFrom  time.Time
	ValidTo    *time.Time
	Active     bool
}

// ActiveOn reports whether the constant applies on day.
func (c Constant) ActiveOn(day time.Time) bool {
	return c.Active && withinWindow(day, c.ValidFrom, c.ValidTo)
}

// Bracket is one slab of the progressive income-tax schedule.
// A nil Upper means the slab is unbounded.
type Bracket struct {
	Year    int
	Ordinal int
	Lower   decimal.Decimal
	Upper   *decimal.Decimal
	Rate    decimal.Decimal
}

// ValidateBrackets checks that brackets are ordered, contiguous from zero and
// end with an unbounded slab.
func ValidateBrackets(brackets []Bracket) error {
	year := 0
	if len(brackets) > 0 {
		year = brackets[0].Year
	}
	_, err := NewSchedule(year, brackets)
	return err
}

// NewSchedule builds the immutable tax schedule for year from its brackets.
func NewSchedule(year int, brackets []Bracket) (*tax.Schedule, error) {
	slabs := make([]tax.Slab, 0, len(brackets))
	for _, b := range brackets {
		if b.Year != year {
			return nil, fmt.Errorf("%w: bracket %d belongs to %d, not %d", ErrInvalidBrackets, b.Ordinal, b.Year, year)
		}
		slabs = append(slabs, tax.Slab{Ordinal: b.Ordinal, Lower: b.Lower, Upper: b.Upper, Rate: b.Rate})
	}
	schedule, err := tax.NewSchedule(year, slabs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBrackets, err)
	}
	return schedule, nil
}

// SortBrackets returns a copy ordered by ordinal.
func SortBrackets(brackets []Bracket) []Bracket {
	out := make([]Bracket, len(brackets))
	copy(out, brackets)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// Rubric is a catalog entry describing how a slip line behaves.
type Rubric struct {
	ID               int64
	EmployerID       int64
	Code             string
	Label            string
	Kind             RubricKind
	SubjectToSocial  bool
	SubjectToTax     bool
	ForfaitIndemnity bool
	DefaultRate      *decimal.Decimal
	DefaultAmount    *decimal.Decimal
	DefaultBaseRef   string
	ComputationOrder int
	DisplayOrder     int
	Displayed        bool
	Active           bool
}

// SalaryElement binds a rubric to an employee for a validity window.
type SalaryElement struct {
	ID         int64
	EmployerID int64
	EmployeeID int64
	RubricCode string
	Amount     *decimal.Decimal
	Rate       *decimal.Decimal
	BaseRef    string
	Quantity   *decimal.Decimal
	ValidFrom  time.Time
	ValidTo    *time.Time
	Recurrent  bool
	Active     bool
	Rubric     Rubric
}

// ActiveOn reports whether the element applies on day.
func (e SalaryElement) ActiveOn(day time.Time) bool {
	return e.Active && withinWindow(day, e.ValidFrom, e.ValidTo)
}

// Overlaps reports whether two validity windows intersect.
func (e SalaryElement) Overlaps(other SalaryElement) bool {
	return windowsOverlap(e.ValidFrom, e.ValidTo, other.ValidFrom, other.ValidTo)
}

// EffectiveBaseRef returns the element base reference, falling back to the rubric default.
func (e SalaryElement) EffectiveBaseRef() string {
	if strings.TrimSpace(e.BaseRef) != "" {
		return strings.TrimSpace(e.BaseRef)
	}
	return strings.TrimSpace(e.Rubric.DefaultBaseRef)
}

// FirstDay returns day 1 of (year, month) in UTC.
func FirstDay(year, month int) time.Time {
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
}

func withinWindow(day, from time.Time, to *time.Time) bool {
	d := truncateDay(day)
	if d.Before(truncateDay(from)) {
		return false
	}
	if to != nil && d.After(truncateDay(*to)) {
		return false
	}
	return true
}

func windowsOverlap(aFrom time.Time, aTo *time.Time, bFrom time.Time, bTo *time.Time) bool {
	if aTo != nil && truncateDay(*aTo).Before(truncateDay(bFrom)) {
		return false
	}
	if bTo != nil && truncateDay(*bTo).Before(truncateDay(aFrom)) {
		return false
	}
	return true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
