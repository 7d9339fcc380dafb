package rules

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/gn-erp/paie/internal/money"
)

//go:embed seeds/guinea_2025.yaml
var defaultSeed []byte

// Seed is a rule set loaded from YAML.
type Seed struct {
	Currency  string                `yaml:"currency"`
	ValidFrom string                `yaml:"valid_from"`
	Constants []SeedConstant        `yaml:"constants"`
	Brackets  map[int][]SeedBracket `yaml:"brackets"`
	Rubrics   []SeedRubric          `yaml:"rubrics"`
}

// SeedConstant is one constant row of a seed file.
type SeedConstant struct {
	Code      string `yaml:"code"`
	Label     string `yaml:"label"`
	Value     string `yaml:"value"`
	Kind      string `yaml:"kind"`
	Category  string `yaml:"category"`
	ValidFrom string `yaml:"valid_from"`
}

// SeedBracket is one slab of a seed bracket table; an empty upper is unbounded.
type SeedBracket struct {
	Lower string `yaml:"lower"`
	Upper string `yaml:"upper"`
	Rate  string `yaml:"rate"`
}

// SeedRubric is one catalog entry of a seed file.
type SeedRubric struct {
	Code         string `yaml:"code"`
	Label        string `yaml:"label"`
	Kind         string `yaml:"kind"`
	Social       bool   `yaml:"social"`
	Tax          bool   `yaml:"tax"`
	Forfait      bool   `yaml:"forfait"`
	Rate         string `yaml:"rate"`
	Amount       string `yaml:"amount"`
	BaseRef      string `yaml:"base_ref"`
	Order        int    `yaml:"order"`
	DisplayOrder int    `yaml:"display_order"`
	Hidden       bool   `yaml:"hidden"`
}

// LoadSeed decodes a YAML rule set.
func LoadSeed(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("rules: decode seed: %w", err)
	}
	if _, err := seed.Schedules(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// DefaultSeed returns the embedded Guinean rule set.
func DefaultSeed() (*Seed, error) {
	return LoadSeed(bytes.NewReader(defaultSeed))
}

// Schedules converts the bracket tables, validating each year.
func (s *Seed) Schedules() (map[int][]Bracket, error) {
	out := make(map[int][]Bracket, len(s.Brackets))
	for year, rows := range s.Brackets {
		brackets := make([]Bracket, 0, len(rows))
		for i, row := range rows {
			lower, err := money.Parse(row.Lower)
			if err != nil {
				return nil, err
			}
			rate, err := money.Parse(row.Rate)
			if err != nil {
				return nil, err
			}
			b := Bracket{Year: year, Ordinal: i + 1, Lower: lower, Rate: rate}
			if strings.TrimSpace(row.Upper) != "" {
				upper, err := money.Parse(row.Upper)
				if err != nil {
					return nil, err
				}
				b.Upper = &upper
			}
			brackets = append(brackets, b)
		}
		if _, err := NewSchedule(year, brackets); err != nil {
			return nil, fmt.Errorf("rules: seed brackets %d: %w", year, err)
		}
		out[year] = brackets
	}
	return out, nil
}

// Apply writes the seed through svc so every row is validated and recorded in
// the modification history. sharedBrackets stores the bracket tables for all
// employers instead of employerID alone.
func (s *Seed) Apply(ctx context.Context, svc *Service, employerID, actorID int64, sharedBrackets bool) error {
	from, err := parseSeedDate(s.ValidFrom)
	if err != nil {
		return err
	}
	for _, c := range s.Constants {
		value, err := money.Parse(c.Value)
		if err != nil {
			return err
		}
		validFrom := from
		if c.ValidFrom != "" {
			if validFrom, err = parseSeedDate(c.ValidFrom); err != nil {
				return err
			}
		}
		if _, err := svc.SetConstant(ctx, SetConstantInput{
			EmployerID: employerID,
			ActorID:    actorID,
			Code:       c.Code,
			Label:      c.Label,
			Value:      value,
			Kind:       ConstantKind(strings.ToUpper(c.Kind)),
			Category:   c.Category,
			ValidFrom:  validFrom,
		}); err != nil {
			return fmt.Errorf("rules: seed constant %s: %w", c.Code, err)
		}
	}

	tables, err := s.Schedules()
	if err != nil {
		return err
	}
	years := make([]int, 0, len(tables))
	for y := range tables {
		years = append(years, y)
	}
	sort.Ints(years)
	bracketOwner := employerID
	if sharedBrackets {
		bracketOwner = 0
	}
	for _, y := range years {
		if err := svc.ReplaceBrackets(ctx, ReplaceBracketsInput{EmployerID: bracketOwner, ActorID: actorID, Year: y, Brackets: tables[y]}); err != nil {
			return fmt.Errorf("rules: seed brackets %d: %w", y, err)
		}
	}

	// base references must exist before dependants, so follow computation order
	rubrics := append([]SeedRubric(nil), s.Rubrics...)
	sort.SliceStable(rubrics, func(i, j int) bool { return rubrics[i].Order < rubrics[j].Order })
	for _, r := range rubrics {
		in := RubricInput{
			EmployerID:       employerID,
			ActorID:          actorID,
			Code:             r.Code,
			Label:            r.Label,
			Kind:             RubricKind(strings.ToUpper(r.Kind)),
			SubjectToSocial:  r.Social,
			SubjectToTax:     r.Tax,
			ForfaitIndemnity: r.Forfait,
			DefaultBaseRef:   r.BaseRef,
			ComputationOrder: r.Order,
			DisplayOrder:     r.DisplayOrder,
			Displayed:        !r.Hidden,
			Active:           true,
		}
		if in.DefaultRate, err = optionalDecimal(r.Rate); err != nil {
			return err
		}
		if in.DefaultAmount, err = optionalDecimal(r.Amount); err != nil {
			return err
		}
		if _, err := svc.UpsertRubric(ctx, in); err != nil {
			return fmt.Errorf("rules: seed rubric %s: %w", r.Code, err)
		}
	}
	return nil
}

func parseSeedDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("rules: seed date %q: %w", s, err)
	}
	return t, nil
}

func optionalDecimal(s string) (*decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	d, err := money.Parse(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
