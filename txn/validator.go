package txn

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/restsaga/restsaga/store"
)

var currencyRE = regexp.MustCompile(`^[A-Z]{3}$`)

const dateLayout = "2006-01-02"

// Reference declares that a payload field must name an existing row in another
// table. Confirming it is the validator's single allowed side effect, a
// bounded point read against the store.
type Reference struct {
	Field string
	// Table the referenced row lives in. Column is matched against Field's
	// value; it defaults to the store's id field.
	Table  string
	Column string
}

// Contract is the per-table write policy checked before every apply.
type Contract struct {
	// Fields that must be present and non-empty on an insert.
	Required []string
	// Allowed value sets, checked whenever the field is present.
	Enums map[string][]string
	// Fields that must be numeric and strictly positive when present.
	PositiveFields []string
	// Fields that must parse as a 2006-01-02 date when present.
	DateFields []string
	// Fields that must be an upper-case ISO-4217 currency code when present.
	CurrencyFields []string
	References     []Reference
}

// Validator checks operations against per-table contracts and the configured
// table allow-list. It is pure apart from referential existence reads.
type Validator struct {
	allowed    map[string]bool
	contracts  map[string]*Contract
	reader     store.Adapter
	refTimeout time.Duration
}

func NewValidator(allowedTables []string, contracts map[string]*Contract, reader store.Adapter, refTimeout time.Duration) *Validator {
	allowed := make(map[string]bool, len(allowedTables))
	for _, t := range allowedTables {
		allowed[t] = true
	}
	if refTimeout <= 0 {
		refTimeout = time.Second
	}
	return &Validator{allowed: allowed, contracts: contracts, reader: reader, refTimeout: refTimeout}
}

// TableAllowed reports whether table is on the allow-list.
func (v *Validator) TableAllowed(table string) bool {
	return v.allowed[table]
}

// Validate checks one operation. A nil return means the operation may be
// applied. It runs immediately before every apply, including for operations
// after earlier ones already succeeded.
func (v *Validator) Validate(ctx context.Context, op *Operation) error {
	if !v.allowed[op.Table] {
		return &ValidationError{Table: op.Table, Reason: "table is not on the allow-list"}
	}

	if op.Kind == store.KindUpdate || op.Kind == store.KindDelete {
		if _, ok := op.Payload.ID(); !ok {
			return &ValidationError{Table: op.Table, Field: store.FieldID, Reason: "required field is missing"}
		}
	}

	c := v.contracts[op.Table]
	if c == nil {
		return nil
	}

	if op.Kind == store.KindInsert {
		for _, f := range c.Required {
			if !present(op.Payload, f) {
				return &ValidationError{Table: op.Table, Field: f, Reason: "required field is missing"}
			}
		}
	}
	if op.Kind == store.KindDelete {
		return nil
	}

	for field, allowed := range c.Enums {
		val, ok := op.Payload[field]
		if !ok {
			continue
		}
		s, _ := val.(string)
		if !contains(allowed, s) {
			return &ValidationError{Table: op.Table, Field: field, Reason: fmt.Sprintf("value %q is not allowed", s)}
		}
	}
	for _, field := range c.PositiveFields {
		val, ok := op.Payload[field]
		if !ok {
			continue
		}
		n, ok := asFloat(val)
		if !ok || n <= 0 {
			return &ValidationError{Table: op.Table, Field: field, Reason: "must be a positive amount"}
		}
	}
	for _, field := range c.DateFields {
		val, ok := op.Payload[field]
		if !ok {
			continue
		}
		s, _ := val.(string)
		if _, err := time.Parse(dateLayout, s); err != nil {
			return &ValidationError{Table: op.Table, Field: field, Reason: "must be a date in the form " + dateLayout}
		}
	}
	for _, field := range c.CurrencyFields {
		val, ok := op.Payload[field]
		if !ok {
			continue
		}
		s, _ := val.(string)
		if !currencyRE.MatchString(s) {
			return &ValidationError{Table: op.Table, Field: field, Reason: "must be a three-letter currency code"}
		}
	}

	for _, ref := range c.References {
		val, ok := op.Payload[ref.Field]
		if !ok {
			continue
		}
		if err := v.checkReference(ctx, op.Table, ref, val); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkReference(ctx context.Context, table string, ref Reference, val interface{}) error {
	column := ref.Column
	if column == "" {
		column = store.FieldID
	}
	refCtx, cancel := context.WithTimeout(ctx, v.refTimeout)
	defer cancel()
	rows, err := v.reader.Read(refCtx, ref.Table, store.Row{column: val})
	if err != nil {
		return &ValidationError{Table: table, Field: ref.Field, Reason: fmt.Sprintf("referential check against %s failed: %v", ref.Table, err)}
	}
	if len(rows) == 0 {
		return &ValidationError{Table: table, Field: ref.Field, Reason: fmt.Sprintf("no %s row with %s=%v", ref.Table, column, val)}
	}
	return nil
}

func present(r store.Row, field string) bool {
	v, ok := r[field]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return false
	}
	return true
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
