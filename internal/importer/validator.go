package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// =============================================================================
// RECORD VALIDATOR
// =============================================================================
// Stateless per-record schema and business-rule checks. Verdicts are cached by
// a SHA-256 key over the validation-relevant fields so repeated rows (common
// in bulk exports) skip re-evaluation.

// Fixed validation messages. Row-error consumers match on these prefixes.
const (
	MsgEmployeeNumberRequired = "employee_number is required"
	MsgFirstNameRequired      = "first_name is required"
	MsgLastNameRequired       = "last_name is required"
	MsgEmailRequired          = "email is required"
	MsgEmailInvalid           = "email is invalid"
	MsgEmployeeNumberTooLong  = "employee_number must be at most 50 characters"
	MsgSalaryInvalid          = "salary must be a positive number"
	MsgCurrencyInvalid        = "currency is not supported"
	MsgCountryCodeInvalid     = "country_code is not supported"
	MsgStartDateInvalid       = "start_date must be a valid YYYY-MM-DD date"
	MsgStartDateFuture        = "start_date cannot be in the future"
	MsgDepartmentTooLong      = "department must be at most 100 characters"
)

var supportedCurrencies = map[string]bool{
	"KES": true, "USD": true, "ZAR": true, "NGN": true,
	"GHS": true, "UGX": true, "RWF": true, "TZS": true,
}

var supportedCountries = map[string]bool{
	"KE": true, "NG": true, "GH": true, "UG": true,
	"ZA": true, "TZ": true, "RW": true,
}

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
var letterPattern = regexp.MustCompile(`[A-Za-z]`)

// ValidationResult is the verdict for one record.
type ValidationResult struct {
	OK     bool
	Errors []string
}

type cachedVerdict struct {
	result    ValidationResult
	expiresAt time.Time
}

// Validator evaluates records against the fixed schema rules, in order.
// Safe for concurrent use.
type Validator struct {
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedVerdict
}

// NewValidator creates a validator. A cacheTTL of 0 disables the cache.
func NewValidator(cacheTTL time.Duration) *Validator {
	return &Validator{cacheTTL: cacheTTL, cache: make(map[string]cachedVerdict)}
}

// Validate checks one normalized record. Presence failures short-circuit the
// remaining rules; everything else accumulates.
func (v *Validator) Validate(fields map[string]string) ValidationResult {
	key := ""
	if v.cacheTTL > 0 {
		key = cacheKey(fields)
		v.mu.Lock()
		if entry, ok := v.cache[key]; ok && time.Now().Before(entry.expiresAt) {
			v.mu.Unlock()
			return entry.result
		}
		v.mu.Unlock()
	}

	result := v.evaluate(fields)

	if v.cacheTTL > 0 {
		v.mu.Lock()
		if len(v.cache) > 10000 {
			v.prune()
		}
		v.cache[key] = cachedVerdict{result: result, expiresAt: time.Now().Add(v.cacheTTL)}
		v.mu.Unlock()
	}
	return result
}

func (v *Validator) evaluate(fields map[string]string) ValidationResult {
	get := func(name string) string { return strings.TrimSpace(fields[name]) }

	var errs []string

	// Presence checks run first and short-circuit everything else.
	if get("employee_number") == "" {
		errs = append(errs, MsgEmployeeNumberRequired)
	}
	if get("first_name") == "" {
		errs = append(errs, MsgFirstNameRequired)
	}
	if get("last_name") == "" {
		errs = append(errs, MsgLastNameRequired)
	}
	if get("email") == "" {
		errs = append(errs, MsgEmailRequired)
	}
	if len(errs) > 0 {
		return ValidationResult{OK: false, Errors: errs}
	}

	if !validEmail(get("email")) {
		errs = append(errs, MsgEmailInvalid)
	}
	// Length limits count characters, not bytes.
	if utf8.RuneCountInString(get("employee_number")) > 50 {
		errs = append(errs, MsgEmployeeNumberTooLong)
	}
	if salary := get("salary"); salary != "" {
		if !validSalary(salary) {
			errs = append(errs, MsgSalaryInvalid)
		}
	}
	if currency := get("currency"); currency != "" && !supportedCurrencies[currency] {
		errs = append(errs, MsgCurrencyInvalid)
	}
	if country := get("country_code"); country != "" && !supportedCountries[country] {
		errs = append(errs, MsgCountryCodeInvalid)
	}
	if startDate := get("start_date"); startDate != "" {
		switch checkStartDate(startDate) {
		case dateMalformed:
			errs = append(errs, MsgStartDateInvalid)
		case dateFuture:
			errs = append(errs, MsgStartDateFuture)
		}
	}
	if utf8.RuneCountInString(get("department")) > 100 {
		errs = append(errs, MsgDepartmentTooLong)
	}

	return ValidationResult{OK: len(errs) == 0, Errors: errs}
}

// validEmail requires exactly one @, a dotted domain of at least 3 chars, and
// an address net/mail will parse.
func validEmail(email string) bool {
	if strings.Count(email, "@") != 1 {
		return false
	}
	domain := email[strings.Index(email, "@")+1:]
	if len(domain) < 3 || !strings.Contains(domain, ".") {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// validSalary rejects anything containing a letter ("50k") before parsing,
// then requires a strictly positive number.
func validSalary(s string) bool {
	if letterPattern.MatchString(s) {
		return false
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	return err == nil && n > 0
}

type dateVerdict int

const (
	dateOK dateVerdict = iota
	dateMalformed
	dateFuture
)

func checkStartDate(s string) dateVerdict {
	if !datePattern.MatchString(s) {
		return dateMalformed
	}
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return dateMalformed
	}
	// Lexicographic compare works for zero-padded ISO dates.
	if s > time.Now().Format("2006-01-02") {
		return dateFuture
	}
	return dateOK
}

// cacheKey hashes the ordered tuple of validation-relevant fields.
func cacheKey(fields map[string]string) string {
	h := sha256.New()
	for _, name := range RequiredHeaders {
		h.Write([]byte(strings.TrimSpace(fields[name])))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// prune drops expired entries; called with the lock held.
func (v *Validator) prune() {
	now := time.Now()
	for k, entry := range v.cache {
		if now.After(entry.expiresAt) {
			delete(v.cache, k)
		}
	}
}
