package normalizer

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
	customerdomain "github.com/smallbiznis/kpiledger/internal/customer/domain"
	orderdomain "github.com/smallbiznis/kpiledger/internal/order/domain"
)

var (
	ErrUnparseableDate = errors.New("unparseable_date")
	ErrInvalidMobile   = errors.New("invalid_mobile_format")
	ErrInvalidAmount   = errors.New("invalid_amount")
)

// timestampLayouts are tried in order; the first successful parse wins.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02",
	"2/1/2006 15:04:05",
	"2/1/2006",
	"2-1-2006 15:04:05",
	"2-1-2006",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"20060102",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"01-02-2006 15:04:05",
}

// ParseTimestamp parses value with the first matching layout. Values without
// an offset are read in loc. The result is UTC at microsecond precision.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ErrUnparseableDate
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC().Truncate(time.Microsecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseableDate, value)
}

// MobileRules configures national number validation for one region.
type MobileRules struct {
	Region    string
	MinDigits int
	MaxDigits int
}

var nonDigits = regexp.MustCompile(`\D+`)

// ParseMobile returns the canonical digits-only E.164 form (country code
// included, no "+"). Ambiguous input is rejected rather than guessed.
func ParseMobile(value string, rules MobileRules) (string, error) {
	digits := nonDigits.ReplaceAllString(value, "")
	if digits == "" {
		return "", fmt.Errorf("%w: no digits", ErrInvalidMobile)
	}
	region := strings.ToUpper(strings.TrimSpace(rules.Region))
	countryCode := phonenumbers.GetCountryCodeForRegion(region)
	if countryCode == 0 {
		return "", fmt.Errorf("%w: unknown region %q", ErrInvalidMobile, rules.Region)
	}
	minDigits, maxDigits := rules.MinDigits, rules.MaxDigits
	if minDigits <= 0 {
		minDigits = 10
	}
	if maxDigits < minDigits {
		maxDigits = minDigits
	}

	cc := strconv.Itoa(countryCode)
	national := digits
	switch {
	case len(digits) > maxDigits && strings.HasPrefix(digits, "00"+cc):
		national = digits[2+len(cc):]
	case len(digits) > maxDigits && strings.HasPrefix(digits, cc):
		national = digits[len(cc):]
	case len(digits) > maxDigits && strings.HasPrefix(digits, "0"):
		national = digits[1:]
	}

	if len(national) < minDigits || len(national) > maxDigits {
		return "", fmt.Errorf("%w: %d national digits", ErrInvalidMobile, len(national))
	}
	if national[0] == '0' {
		return "", fmt.Errorf("%w: national number starts with 0", ErrInvalidMobile)
	}

	num, err := phonenumbers.Parse(national, region)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMobile, err)
	}
	canonical := strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+")
	if canonical != cc+national {
		return "", fmt.Errorf("%w: ambiguous number", ErrInvalidMobile)
	}
	return canonical, nil
}

var (
	currencyTokens = []string{"INR", "USD", "EUR", "GBP", "Rs.", "Rs", "rs.", "rs", "₹", "$", "€", "£"}
	amountPattern  = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	groupedPattern = regexp.MustCompile(`^-?\d{1,3}(,\d{2,3})+(\.\d+)?$`)
)

const maxAmountIntegerDigits = 15

// ParseAmountCents parses a decimal money string into minor units, rounding
// half away from zero past two fractional digits.
func ParseAmountCents(value string) (int64, error) {
	s := strings.TrimSpace(value)
	for _, token := range currencyTokens {
		s = strings.ReplaceAll(s, token, "")
	}
	s = strings.ReplaceAll(s, " ", "")
	if strings.Contains(s, ",") {
		if !groupedPattern.MatchString(s) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
		}
		s = strings.ReplaceAll(s, ",", "")
	}
	if !amountPattern.MatchString(s) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}

	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	intPart, fracPart, _ := strings.Cut(s, ".")
	intPart = strings.TrimLeft(intPart, "0")
	if len(intPart) > maxAmountIntegerDigits {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, value)
	}

	var whole int64
	if intPart != "" {
		parsed, err := strconv.ParseInt(intPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
		}
		whole = parsed
	}
	padded := fracPart + "00"
	cents := whole*100 + int64(padded[0]-'0')*10 + int64(padded[1]-'0')
	if len(fracPart) > 2 && fracPart[2] >= '5' {
		cents++
	}
	if negative {
		cents = -cents
	}
	return cents, nil
}

// NormalizeRegion title-cases the five known regions and maps blanks to
// UNKNOWN. Other values are kept verbatim for the enum expectation to flag.
func NormalizeRegion(value string) (region string, defaulted bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return customerdomain.RegionUnknown, true
	}
	if strings.EqualFold(v, customerdomain.RegionUnknown) {
		return customerdomain.RegionUnknown, false
	}
	for _, known := range customerdomain.Regions {
		if strings.EqualFold(v, known) {
			return known, false
		}
	}
	return v, false
}

// NormalizeStatus lower-cases a status and maps blanks to UNKNOWN.
func NormalizeStatus(value string) (status string, defaulted bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return orderdomain.StatusUnknown, true
	}
	if strings.EqualFold(v, orderdomain.StatusUnknown) {
		return orderdomain.StatusUnknown, false
	}
	return v, false
}
