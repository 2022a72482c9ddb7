package etl

import (
	"fmt"
	"math"
	"time"

	cfg "marketbft/config"
)

// ValidationError reports the field of a raw event that failed validation.
// It drops only the offending event.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err was produced by the Validator.
func IsValidationError(err error) bool {
	_, ok := err.(ValidationError)
	return ok
}

// Validator checks raw market events before they become transactions.
type Validator struct {
	MinPrice       float64
	MaxPrice       float64
	MaxDrift       time.Duration
	MaxAssetLength int
}

func NewValidator(config *cfg.ETLConfig) *Validator {
	return &Validator{
		MinPrice:       config.MinPrice,
		MaxPrice:       config.MaxPrice,
		MaxDrift:       config.MaxDrift,
		MaxAssetLength: config.MaxAssetLength,
	}
}

func DefaultValidator() *Validator {
	return NewValidator(cfg.DefaultETLConfig())
}

func (v *Validator) ValidatePrice(price float64) error {
	// NaN compares false against both bounds
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return ValidationError{"price", fmt.Sprintf("price %v is not finite", price)}
	}
	if price < v.MinPrice {
		return ValidationError{"price", fmt.Sprintf("price %v is below minimum %v", price, v.MinPrice)}
	}
	if price > v.MaxPrice {
		return ValidationError{"price", fmt.Sprintf("price %v exceeds maximum %v", price, v.MaxPrice)}
	}
	return nil
}

// ValidateTimestamp checks a unix-seconds timestamp against now.
func (v *Validator) ValidateTimestamp(ts int64, now time.Time) error {
	if ts < 0 {
		return ValidationError{"timestamp", "timestamp cannot be negative"}
	}
	drift := ts - now.Unix()
	if drift < 0 {
		drift = -drift
	}
	if maxDrift := int64(v.MaxDrift / time.Second); drift > maxDrift {
		return ValidationError{"timestamp", fmt.Sprintf("timestamp %d drifts %ds from now (max %d)", ts, drift, maxDrift)}
	}
	return nil
}

func (v *Validator) ValidateAsset(asset string) error {
	if asset == "" {
		return ValidationError{"asset", "asset symbol cannot be empty"}
	}
	if len(asset) > v.MaxAssetLength {
		return ValidationError{"asset", fmt.Sprintf("asset symbol %q exceeds max length %d", asset, v.MaxAssetLength)}
	}
	return nil
}

func (v *Validator) ValidateSource(source string) error {
	if source == "" {
		return ValidationError{"source", "source cannot be empty"}
	}
	return nil
}

// Validate runs every check and returns the first failure.
func (v *Validator) Validate(ev RawEvent, now time.Time) error {
	if err := v.ValidateAsset(ev.Asset); err != nil {
		return err
	}
	if err := v.ValidatePrice(ev.Price); err != nil {
		return err
	}
	if err := v.ValidateTimestamp(ev.Timestamp, now); err != nil {
		return err
	}
	return v.ValidateSource(ev.Source)
}
