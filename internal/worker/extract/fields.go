package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/invoice-assist/internal/invoice"
)

type field int

const (
	fieldNone field = iota
	fieldInvoiceNumber
	fieldInvoiceDate
	fieldVendor
	fieldClient
	fieldVendorVAT
	fieldClientVAT
	fieldVAT
	fieldNet
	fieldVATAmount
	fieldTotal
	fieldCurrency
	fieldDescription
)

// Labels are matched against the text before the first colon of a line,
// lowercased with runs of whitespace collapsed.
var labels = []struct {
	re    *regexp.Regexp
	field field
}{
	{regexp.MustCompile(`^invoice\s*(no\.?|number|nr\.?|#|id)?$`), fieldInvoiceNumber},
	{regexp.MustCompile(`^((invoice|issue)\s+)?date(\s+of\s+issue)?$`), fieldInvoiceDate},
	{regexp.MustCompile(`^(from|vendor|supplier|seller|sold\s+by)$`), fieldVendor},
	{regexp.MustCompile(`^(to|bill\s+to|billed\s+to|client|customer|buyer)$`), fieldClient},
	{regexp.MustCompile(`^(vendor|supplier|seller)\s+vat(\s+(no\.?|number|id))?$`), fieldVendorVAT},
	{regexp.MustCompile(`^(client|customer|buyer)\s+vat(\s+(no\.?|number|id))?$`), fieldClientVAT},
	{regexp.MustCompile(`^vat\s+(no\.?|number|id|reg\.?\s*no\.?)$`), fieldVAT},
	{regexp.MustCompile(`^(net(\s+amount)?|sub-?total|amount\s+excl\.?\s+vat)$`), fieldNet},
	{regexp.MustCompile(`^(vat|tax)(\s+amount)?(\s*\(?\s*\d+([.,]\d+)?\s*%\s*\)?)?$`), fieldVATAmount},
	{regexp.MustCompile(`^(total(\s+(amount|due))?|grand\s+total|amount\s+due|amount\s+incl\.?\s+vat)$`), fieldTotal},
	{regexp.MustCompile(`^currency$`), fieldCurrency},
	{regexp.MustCompile(`^(description|services?|items?)$`), fieldDescription},
}

var (
	spaces       = regexp.MustCompile(`\s+`)
	vatNumberRe  = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{6,14}$`)
	amountRe     = regexp.MustCompile(`-?\d[\d.,' ]*`)
	currencyCode = regexp.MustCompile(`\b[A-Z]{3}\b`)
)

var currencyCodes = map[string]bool{
	"EUR": true, "USD": true, "GBP": true, "CHF": true, "JPY": true, "CNY": true,
	"SEK": true, "NOK": true, "DKK": true, "PLN": true, "CZK": true, "HUF": true,
	"RON": true, "BGN": true, "CAD": true, "AUD": true, "NZD": true, "INR": true,
	"SGD": true, "HKD": true, "VND": true,
}

var currencySymbols = map[string]string{
	"€": "EUR",
	"$": "USD",
	"£": "GBP",
	"¥": "JPY",
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02.01.2006",
	"2.1.2006",
	"02-01-2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// ParseFields reads labelled "Label: value" lines into invoice fields.
// Fields that cannot be found or parsed are left empty and listed in ProcessingNotes.
func ParseFields(text, sourceFilename string) invoice.Data {
	data := invoice.Data{SourceFilename: sourceFilename}
	var notes []string

	for _, line := range strings.Split(text, "\n") {
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		switch classify(label) {
		case fieldInvoiceNumber:
			setOnce(&data.InvoiceNumber, strings.Fields(value)[0])
		case fieldInvoiceDate:
			if data.InvoiceDate != "" {
				continue
			}
			if date, ok := parseDate(value); ok {
				data.InvoiceDate = date
			} else {
				notes = append(notes, fmt.Sprintf("unrecognized date %q", value))
			}
		case fieldVendor:
			setOnce(&data.VendorName, value)
		case fieldClient:
			setOnce(&data.ClientName, value)
		case fieldVendorVAT:
			setOnce(&data.VendorVATNumber, vatNumber(value))
		case fieldClientVAT:
			setOnce(&data.ClientVATNumber, vatNumber(value))
		case fieldVAT:
			// Unqualified VAT numbers belong to the vendor first, then the client.
			if data.VendorVATNumber == "" {
				data.VendorVATNumber = vatNumber(value)
			} else {
				setOnce(&data.ClientVATNumber, vatNumber(value))
			}
		case fieldNet:
			setAmount(&data.NetAmount, &data.Currency, value)
		case fieldVATAmount:
			setAmount(&data.VATAmount, &data.Currency, value)
		case fieldTotal:
			setAmount(&data.TotalAmount, &data.Currency, value)
		case fieldCurrency:
			if code := currency(value); code != "" {
				data.Currency = code
			}
		case fieldDescription:
			setOnce(&data.Description, value)
		}
	}

	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"invoice number", data.InvoiceNumber},
		{"invoice date", data.InvoiceDate},
		{"vendor name", data.VendorName},
		{"total amount", data.TotalAmount},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		notes = append(notes, "missing "+strings.Join(missing, ", "))
	}
	if note := checkTotals(data); note != "" {
		notes = append(notes, note)
	}

	data.ProcessingNotes = strings.Join(notes, "; ")
	return data
}

func classify(label string) field {
	label = strings.ToLower(strings.TrimSpace(spaces.ReplaceAllString(label, " ")))
	for _, l := range labels {
		if l.re.MatchString(label) {
			return l.field
		}
	}
	return fieldNone
}

func setOnce(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func vatNumber(value string) string {
	compact := strings.ToUpper(strings.NewReplacer(" ", "", ".", "", "-", "").Replace(value))
	if vatNumberRe.MatchString(compact) {
		return compact
	}
	return strings.TrimSpace(value)
}

func setAmount(dst, cur *string, value string) {
	if *dst != "" {
		return
	}
	amount, ok := parseAmount(value)
	if !ok {
		return
	}
	*dst = amount
	if *cur == "" {
		*cur = currency(value)
	}
}

// parseAmount normalizes "1.234,56", "1,234.56", "1 234,56" and "121" to a
// dot-decimal string with two fraction digits.
func parseAmount(value string) (string, bool) {
	raw := amountRe.FindString(value)
	raw = strings.TrimRight(strings.NewReplacer(" ", "", "'", "").Replace(raw), ".,")
	if raw == "" {
		return "", false
	}

	neg := strings.HasPrefix(raw, "-")
	raw = strings.TrimPrefix(raw, "-")

	intPart, frac := raw, ""
	if i := strings.LastIndexAny(raw, ".,"); i >= 0 {
		tail := raw[i+1:]
		sep := raw[i]
		onlyOneKind := !strings.ContainsRune(raw[:i], rune(otherSep(sep)))
		// A single separator kind followed by exactly three digits is a thousands group.
		if len(tail) == 3 && onlyOneKind {
			intPart = raw
		} else {
			intPart, frac = raw[:i], tail
		}
	}
	intPart = strings.NewReplacer(".", "", ",", "").Replace(intPart)

	if intPart == "" {
		intPart = "0"
	}
	switch len(frac) {
	case 0:
		frac = "00"
	case 1:
		frac += "0"
	case 2:
	default:
		return "", false
	}

	out := intPart + "." + frac
	if _, err := strconv.ParseFloat(out, 64); err != nil {
		return "", false
	}
	if neg {
		out = "-" + out
	}
	return out, true
}

func otherSep(sep byte) byte {
	if sep == '.' {
		return ','
	}
	return '.'
}

func currency(value string) string {
	for sym, code := range currencySymbols {
		if strings.Contains(value, sym) {
			return code
		}
	}
	for _, code := range currencyCode.FindAllString(strings.ToUpper(value), -1) {
		if currencyCodes[code] {
			return code
		}
	}
	return ""
}

func parseDate(value string) (string, bool) {
	value = strings.TrimSpace(spaces.ReplaceAllString(value, " "))
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// checkTotals reports when net + VAT and total disagree by more than a cent.
func checkTotals(d invoice.Data) string {
	if d.NetAmount == "" || d.VATAmount == "" || d.TotalAmount == "" {
		return ""
	}
	net, err1 := strconv.ParseFloat(d.NetAmount, 64)
	vat, err2 := strconv.ParseFloat(d.VATAmount, 64)
	total, err3 := strconv.ParseFloat(d.TotalAmount, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return ""
	}
	diff := net + vat - total
	if diff > 0.01 || diff < -0.01 {
		return fmt.Sprintf("net %s + VAT %s does not match total %s", d.NetAmount, d.VATAmount, d.TotalAmount)
	}
	return ""
}
